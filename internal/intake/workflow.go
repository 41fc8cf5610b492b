package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contactform/internal/metrics"
	"github.com/MarkoPoloResearchLab/contactform/internal/model"
	"github.com/MarkoPoloResearchLab/contactform/internal/sms"
	"github.com/MarkoPoloResearchLab/contactform/internal/storage"
)

// Stage names a step of one submission's lifecycle.
type Stage string

const (
	StageValidating    Stage = "validating"
	StagePersisting    Stage = "persisting"
	StageNotifying     Stage = "notifying"
	StageCommitting    Stage = "committing"
	StageCommitted     Stage = "committed"
	StageRejectedInput Stage = "rejected_input"
	StagePersistFailed Stage = "persist_failed"
)

const (
	NotificationSkipped = "skipped"
	NotificationFailed  = "failed"
	NotificationSent    = "sent"

	errorMessageMissingStore = "intake: nil submission store"
)

var (
	// ErrInvalidInput matches submissions rejected by the sanitizer.
	ErrInvalidInput = errors.New("intake: missing or invalid fields")
	// ErrPersistence matches submissions whose insert or commit failed; nothing was stored.
	ErrPersistence = errors.New("intake: persistence failure")
)

// ValidationError carries the sanitizer outcome of a rejected submission.
type ValidationError struct {
	Result ValidationResult
}

func (validationError *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInput.Error(), strings.Join(validationError.Result.ViolatedFields(), ", "))
}

func (validationError *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// TransactionRunner opens scoped transactions for inserting submissions.
type TransactionRunner interface {
	WithinTransaction(ctx context.Context, work func(storage.SubmissionWriter) error) error
}

// Notifier delivers the thank-you text.
type Notifier interface {
	Configured() bool
	Send(ctx context.Context, message sms.Message) (sms.Response, error)
}

// MetricsRecorder receives per-submission outcomes.
type MetricsRecorder interface {
	ObserveSubmission(outcome string)
	ObserveNotification(status string)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) ObserveSubmission(string)   {}
func (noopMetricsRecorder) ObserveNotification(string) {}

// NotificationOutcome reports what happened to the thank-you text. Response
// is set only when the gateway answered.
type NotificationOutcome struct {
	Status   string
	Response *sms.Response
}

// Result describes a committed submission.
type Result struct {
	ID           int64
	Notification NotificationOutcome
}

// Workflow validates, persists and acknowledges contact-form submissions.
type Workflow struct {
	store    TransactionRunner
	notifier Notifier
	logger   *zap.Logger
	metrics  MetricsRecorder
	brand    string
}

// NewWorkflow wires a workflow. The notifier and metrics may be nil.
func NewWorkflow(store TransactionRunner, notifier Notifier, logger *zap.Logger, recorder MetricsRecorder, brand string) *Workflow {
	if store == nil {
		panic(errorMessageMissingStore)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = noopMetricsRecorder{}
	}
	return &Workflow{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  recorder,
		brand:    brand,
	}
}

// Submit runs one submission to completion. It ignores cancellation of ctx
// so a caller hanging up mid-request cannot abort the transaction.
// Errors match ErrInvalidInput or ErrPersistence.
func (workflow *Workflow) Submit(ctx context.Context, raw RawSubmission) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	stage := StageValidating
	validation := Sanitize(raw)
	if !validation.Valid() {
		workflow.logger.Info("submission_rejected",
			zap.String("stage", string(StageRejectedInput)),
			zap.String("failed_at", string(stage)),
			zap.Strings("fields", validation.ViolatedFields()),
		)
		workflow.metrics.ObserveSubmission(metrics.SubmissionOutcomeRejected)
		return Result{}, &ValidationError{Result: validation}
	}

	submission := buildSubmission(validation.Fields)
	var notification NotificationOutcome
	stage = StagePersisting

	transactionErr := workflow.store.WithinTransaction(ctx, func(writer storage.SubmissionWriter) error {
		if insertErr := writer.Insert(ctx, &submission); insertErr != nil {
			return insertErr
		}
		stage = StageNotifying
		notification = workflow.notify(ctx, submission)
		stage = StageCommitting
		return nil
	})
	if transactionErr != nil {
		workflow.logger.Error("submission_persist_failed",
			zap.Error(transactionErr),
			zap.String("stage", string(StagePersistFailed)),
			zap.String("failed_at", string(stage)),
		)
		workflow.metrics.ObserveSubmission(metrics.SubmissionOutcomePersistFailed)
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, transactionErr)
	}

	workflow.logger.Info("submission_committed",
		zap.String("stage", string(StageCommitted)),
		zap.Int64("submission_id", submission.ID),
		zap.String("sms_status", notification.Status),
	)
	workflow.metrics.ObserveSubmission(metrics.SubmissionOutcomeAccepted)
	return Result{ID: submission.ID, Notification: notification}, nil
}

func (workflow *Workflow) notify(ctx context.Context, submission model.Submission) NotificationOutcome {
	if workflow.notifier == nil || !workflow.notifier.Configured() {
		workflow.logger.Warn("sms_not_configured", zap.Int64("submission_id", submission.ID))
		workflow.metrics.ObserveNotification(NotificationSkipped)
		return NotificationOutcome{Status: NotificationSkipped}
	}

	response, sendErr := workflow.notifier.Send(ctx, sms.Message{
		Contact: submission.Phone,
		Text:    sms.ThankYouMessage(workflow.brand, submission.FullName()),
	})
	if sendErr != nil {
		workflow.logger.Warn("sms_send_failed",
			zap.Error(sendErr),
			zap.Bool("timeout", errors.Is(sendErr, sms.ErrTimeout)),
			zap.Int64("submission_id", submission.ID),
		)
		workflow.metrics.ObserveNotification(NotificationFailed)
		return NotificationOutcome{Status: NotificationFailed}
	}

	workflow.metrics.ObserveNotification(NotificationSent)
	return NotificationOutcome{Status: NotificationSent, Response: &response}
}

func buildSubmission(fields CleanSubmission) model.Submission {
	phone, normalized := NormalizePhone(fields.Number)
	if !normalized {
		phone = fields.Number
	}
	var subject *string
	if fields.Subject != "" {
		value := fields.Subject
		subject = &value
	}
	return model.Submission{
		FirstName: fields.FirstName,
		LastName:  fields.LastName,
		Email:     fields.Email,
		Phone:     phone,
		Subject:   subject,
		Message:   fields.Message,
	}
}
