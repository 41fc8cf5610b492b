package intake

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/contactform/internal/model"
)

const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
	FieldNumber    = "number"
	FieldSubject   = "subject"
	FieldMessage   = "message"

	ViolationRequired     = "required"
	ViolationInvalidEmail = "invalid_email"
)

var emailExpression = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldRule declares how one submitted field is cleaned and validated.
type FieldRule struct {
	Name      string
	MaxLength int
	Required  bool
	Pattern   *regexp.Regexp
	Violation string
}

// SubmissionSchema lists the rules for every contact-form field.
var SubmissionSchema = []FieldRule{
	{Name: FieldFirstName, MaxLength: model.SubmissionFirstNameMaxLength, Required: true},
	{Name: FieldLastName, MaxLength: model.SubmissionLastNameMaxLength, Required: true},
	{Name: FieldEmail, MaxLength: model.SubmissionEmailMaxLength, Required: true, Pattern: emailExpression, Violation: ViolationInvalidEmail},
	{Name: FieldNumber, MaxLength: model.SubmissionPhoneMaxLength, Required: true},
	{Name: FieldSubject, MaxLength: model.SubmissionSubjectMaxLength},
	{Name: FieldMessage, MaxLength: model.SubmissionMessageMaxLength, Required: true},
}

// RawSubmission carries untrusted field values keyed by their form names.
// Absent fields are simply missing from the map.
type RawSubmission map[string]any

// CleanSubmission holds the sanitized field values.
type CleanSubmission struct {
	FirstName string
	LastName  string
	Email     string
	Number    string
	Subject   string
	Message   string
}

// FieldViolation names one field that failed validation and why.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationResult is the structured outcome of sanitizing one submission.
type ValidationResult struct {
	Fields     CleanSubmission
	Violations []FieldViolation
}

// Valid reports whether every rule passed.
func (result ValidationResult) Valid() bool {
	return len(result.Violations) == 0
}

// ViolatedFields lists the names of the fields that failed validation.
func (result ValidationResult) ViolatedFields() []string {
	names := make([]string, 0, len(result.Violations))
	for _, violation := range result.Violations {
		names = append(names, violation.Field)
	}
	return names
}

// Sanitize cleans every field declared in SubmissionSchema and evaluates its rules in one pass.
func Sanitize(raw RawSubmission) ValidationResult {
	cleaned := make(map[string]string, len(SubmissionSchema))
	var violations []FieldViolation

	for _, rule := range SubmissionSchema {
		value := CleanField(raw[rule.Name], rule.MaxLength)
		cleaned[rule.Name] = value

		if value == "" {
			if rule.Required {
				violations = append(violations, FieldViolation{Field: rule.Name, Reason: ViolationRequired})
			}
			continue
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(value) {
			violations = append(violations, FieldViolation{Field: rule.Name, Reason: rule.Violation})
		}
	}

	return ValidationResult{
		Fields: CleanSubmission{
			FirstName: cleaned[FieldFirstName],
			LastName:  cleaned[FieldLastName],
			Email:     cleaned[FieldEmail],
			Number:    cleaned[FieldNumber],
			Subject:   cleaned[FieldSubject],
			Message:   cleaned[FieldMessage],
		},
		Violations: violations,
	}
}

// CleanField coerces a value to a string, collapses whitespace runs to one
// space, trims the ends and caps the result at maxLength characters.
func CleanField(value any, maxLength int) string {
	collapsed := strings.Join(strings.Fields(coerceToString(value)), " ")
	if maxLength <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= maxLength {
		return collapsed
	}
	return string(runes[:maxLength])
}

func coerceToString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case *string:
		if typed == nil {
			return ""
		}
		return *typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []string:
		return strings.Join(typed, ",")
	default:
		return fmt.Sprint(typed)
	}
}
