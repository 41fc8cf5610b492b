package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/contactform/internal/model"
)

const (
	errorMessageInsertSubmission = "storage: insert submission"
	errorMessageListSubmissions  = "storage: list submissions"
	errorMessageDeleteSubmission = "storage: delete submission"
	errorMessageMissingDatabase  = "storage: nil database"
)

// ErrNilSubmission indicates an insert was attempted without a record.
var ErrNilSubmission = errors.New("storage: nil submission")

// SubmissionWriter inserts submissions inside an open transaction.
type SubmissionWriter interface {
	Insert(ctx context.Context, submission *model.Submission) error
}

// SubmissionStore owns the contact_table rows. It holds the pooled database
// handle it was constructed with and never reaches for a global connection.
type SubmissionStore struct {
	database *gorm.DB
}

// NewSubmissionStore wraps a pooled database handle.
func NewSubmissionStore(database *gorm.DB) *SubmissionStore {
	if database == nil {
		panic(errorMessageMissingDatabase)
	}
	return &SubmissionStore{database: database}
}

// WithinTransaction runs work inside one transaction on one pooled
// connection. The transaction commits when work returns nil and rolls back
// when it returns an error or panics; the connection is released either way.
func (store *SubmissionStore) WithinTransaction(ctx context.Context, work func(SubmissionWriter) error) error {
	return store.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return work(transactionWriter{transaction: transaction})
	})
}

// List returns every submission, newest first.
func (store *SubmissionStore) List(ctx context.Context) ([]model.Submission, error) {
	var submissions []model.Submission
	if err := store.database.WithContext(ctx).
		Order("created_at desc").
		Order("id desc").
		Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageListSubmissions, err)
	}
	return submissions, nil
}

// Delete removes the submission with the given id and reports whether a row existed.
func (store *SubmissionStore) Delete(ctx context.Context, id int64) (bool, error) {
	result := store.database.WithContext(ctx).Delete(&model.Submission{}, "id = ?", id)
	if result.Error != nil {
		return false, fmt.Errorf("%s: %w", errorMessageDeleteSubmission, result.Error)
	}
	return result.RowsAffected > 0, nil
}

type transactionWriter struct {
	transaction *gorm.DB
}

func (writer transactionWriter) Insert(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return ErrNilSubmission
	}
	if err := writer.transaction.WithContext(ctx).Create(submission).Error; err != nil {
		return fmt.Errorf("%s: %w", errorMessageInsertSubmission, err)
	}
	return nil
}
