package intake

import "strings"

const (
	sriLankaCountryCode        = "94"
	localTrunkPrefix           = "0"
	internationalTrunkedPrefix = "094"

	localNumberDigits      = 10
	canonicalNumberDigits  = 11
	trunkedCanonicalDigits = 12
)

// NormalizePhone maps a raw phone string to the 94-prefixed digit form the SMS
// gateway expects. The boolean is false when the input holds no digits at
// all. Digit strings outside the known local/international shapes pass
// through unchanged.
func NormalizePhone(raw string) (string, bool) {
	digits := stripNonDigits(raw)
	if digits == "" {
		return "", false
	}

	switch {
	case len(digits) == localNumberDigits && strings.HasPrefix(digits, localTrunkPrefix):
		return sriLankaCountryCode + digits[1:], true
	case len(digits) == canonicalNumberDigits && strings.HasPrefix(digits, sriLankaCountryCode):
		return digits, true
	case len(digits) == trunkedCanonicalDigits && strings.HasPrefix(digits, internationalTrunkedPrefix):
		return digits[1:], true
	default:
		return digits, true
	}
}

func stripNonDigits(raw string) string {
	builder := strings.Builder{}
	builder.Grow(len(raw))
	for _, character := range raw {
		if character >= '0' && character <= '9' {
			builder.WriteRune(character)
		}
	}
	return builder.String()
}
