package model

import "time"

const (
	SubmissionTableName = "contact_table"

	SubmissionFirstNameMaxLength = 100
	SubmissionLastNameMaxLength  = 100
	SubmissionEmailMaxLength     = 200
	SubmissionPhoneMaxLength     = 32
	SubmissionSubjectMaxLength   = 200
	SubmissionMessageMaxLength   = 2000
)

// Submission is one persisted contact-form entry. Rows are never updated.
type Submission struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FirstName string    `gorm:"not null;size:100" json:"first_name"`
	LastName  string    `gorm:"not null;size:100" json:"last_name"`
	Email     string    `gorm:"not null;size:200" json:"email"`
	Phone     string    `gorm:"not null;size:32" json:"phone"`
	Subject   *string   `gorm:"size:200" json:"subject"`
	Message   string    `gorm:"not null;size:2000" json:"message"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;autoCreateTime;index" json:"created_at"`
}

func (Submission) TableName() string {
	return SubmissionTableName
}

// FullName joins the first and last name the way greetings address the submitter.
func (submission Submission) FullName() string {
	switch {
	case submission.FirstName == "":
		return submission.LastName
	case submission.LastName == "":
		return submission.FirstName
	default:
		return submission.FirstName + " " + submission.LastName
	}
}
