package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contactform/internal/intake"
	"github.com/MarkoPoloResearchLab/contactform/internal/model"
)

const (
	messageInvalidFields = "Missing or invalid fields"
	messageInvalidID     = "Invalid id"
	messageNotFound      = "Not found"
	messageTooLarge      = "Payload too large"

	errorValueDatabase = "Database error"
	errorValueServer   = "Server error"

	// MaxRequestBodyBytes caps a submission body.
	MaxRequestBodyBytes = 100 << 10

	maxMultipartMemory   = 1 << 20
	jsonContentType      = "application/json"
	multipartContentType = "multipart/form-data"
)

// SubmissionSubmitter runs the intake workflow for one submission.
type SubmissionSubmitter interface {
	Submit(ctx context.Context, raw intake.RawSubmission) (intake.Result, error)
}

// SubmissionRepository serves the admin list and delete operations.
type SubmissionRepository interface {
	List(ctx context.Context) ([]model.Submission, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type SubmissionHandlers struct {
	submitter  SubmissionSubmitter
	repository SubmissionRepository
	logger     *zap.Logger
}

func NewSubmissionHandlers(submitter SubmissionSubmitter, repository SubmissionRepository, logger *zap.Logger) *SubmissionHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionHandlers{
		submitter:  submitter,
		repository: repository,
		logger:     logger,
	}
}

// Submit accepts a contact-form submission as JSON or form data.
func (h *SubmissionHandlers) Submit(context *gin.Context) {
	context.Request.Body = http.MaxBytesReader(context.Writer, context.Request.Body, MaxRequestBodyBytes)
	raw, readErr := readRawSubmission(context.Request)
	if readErr != nil {
		var tooLargeErr *http.MaxBytesError
		if errors.As(readErr, &tooLargeErr) {
			h.logger.Info("submission_body_too_large", zap.Int64("limit_bytes", tooLargeErr.Limit))
			context.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "message": messageTooLarge})
			return
		}
		h.logger.Info("submission_body_unreadable", zap.Error(readErr))
		context.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": messageInvalidFields})
		return
	}

	result, submitErr := h.submitter.Submit(context.Request.Context(), raw)
	if submitErr != nil {
		var validationErr *intake.ValidationError
		switch {
		case errors.As(submitErr, &validationErr):
			context.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"message": messageInvalidFields,
				"fields":  validationErr.Result.Violations,
			})
		case errors.Is(submitErr, intake.ErrInvalidInput):
			context.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": messageInvalidFields})
		default:
			context.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": errorValueDatabase})
		}
		return
	}

	var smsPayload any
	if result.Notification.Response != nil {
		smsPayload = result.Notification.Response
	}
	context.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"id":         result.ID,
		"sms":        smsPayload,
		"sms_status": result.Notification.Status,
	})
}

// List returns every submission, newest first.
func (h *SubmissionHandlers) List(context *gin.Context) {
	submissions, listErr := h.repository.List(context.Request.Context())
	if listErr != nil {
		h.logger.Error("list_submissions_failed", zap.Error(listErr))
		context.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": errorValueServer})
		return
	}
	if submissions == nil {
		submissions = []model.Submission{}
	}
	context.JSON(http.StatusOK, gin.H{"ok": true, "data": submissions})
}

// Delete removes one submission by id.
func (h *SubmissionHandlers) Delete(context *gin.Context) {
	id, parseErr := strconv.ParseInt(strings.TrimSpace(context.Param("id")), 10, 64)
	if parseErr != nil || id <= 0 {
		context.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": messageInvalidID})
		return
	}

	deleted, deleteErr := h.repository.Delete(context.Request.Context(), id)
	if deleteErr != nil {
		h.logger.Error("delete_submission_failed", zap.Error(deleteErr), zap.Int64("submission_id", id))
		context.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": errorValueServer})
		return
	}
	if !deleted {
		context.JSON(http.StatusNotFound, gin.H{"ok": false, "message": messageNotFound})
		return
	}
	h.logger.Info("submission_deleted", zap.Int64("submission_id", id))
	context.JSON(http.StatusOK, gin.H{"ok": true})
}

func readRawSubmission(request *http.Request) (intake.RawSubmission, error) {
	raw := intake.RawSubmission{}
	if request.Body == nil || request.ContentLength == 0 {
		return raw, nil
	}

	contentType := strings.ToLower(request.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, jsonContentType) {
		decoder := json.NewDecoder(request.Body)
		decoder.UseNumber()
		if decodeErr := decoder.Decode(&raw); decodeErr != nil {
			return nil, decodeErr
		}
		return raw, nil
	}

	if strings.HasPrefix(contentType, multipartContentType) {
		if parseErr := request.ParseMultipartForm(maxMultipartMemory); parseErr != nil {
			return nil, parseErr
		}
	} else if parseErr := request.ParseForm(); parseErr != nil {
		return nil, parseErr
	}
	for _, rule := range intake.SubmissionSchema {
		if values, ok := request.PostForm[rule.Name]; ok && len(values) > 0 {
			raw[rule.Name] = values[0]
		}
	}
	return raw, nil
}
