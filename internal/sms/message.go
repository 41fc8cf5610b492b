package sms

import (
	"fmt"
	"strings"
)

const (
	// DefaultBrand signs the thank-you text when no brand is configured.
	DefaultBrand = "LogozoDev"

	fallbackRecipientName = "there"
	thankYouTemplate      = "Hi %s, thanks for contacting %s. We’ll reach you soon. — %s"
)

// ThankYouMessage renders the acknowledgement sent to a submitter.
func ThankYouMessage(brand string, fullName string) string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		name = fallbackRecipientName
	}
	brand = strings.TrimSpace(brand)
	if brand == "" {
		brand = DefaultBrand
	}
	return fmt.Sprintf(thankYouTemplate, name, brand, brand)
}
