package whatsapp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Length bounds of a digits-only number that libphonenumber does not know
const (
	minPlainDigits = 8
	maxPlainDigits = 15
)

// NormalizePhone turns a user-entered number into the digits-only international
// form the Cloud API expects. National numbers ("06 12 34 56 78") are read in
// defaultRegion, so "06 12 34 56 78" and "+33612345678" both give "33612345678".
// Numbers libphonenumber rejects, such as provider test numbers, go through
// plain normalization: a leading "+" is dropped and a trunk "0" becomes the
// region calling code.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}

	cleaned := cleanPhone(raw)
	if cleaned == "" || cleaned == "+" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	if strings.HasPrefix(cleaned, "00") {
		cleaned = "+" + cleaned[2:]
	}

	var candidates []string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		candidates = []string{cleaned}
	case strings.HasPrefix(cleaned, "0"):
		candidates = []string{cleaned}
	default:
		// digits without prefix: already international or national without trunk zero
		candidates = []string{"+" + cleaned, cleaned}
	}

	for _, candidate := range candidates {
		parsed, err := phonenumbers.Parse(candidate, strings.ToUpper(defaultRegion))
		if err != nil || !phonenumbers.IsValidNumber(parsed) {
			continue
		}
		return strings.TrimPrefix(phonenumbers.Format(parsed, phonenumbers.E164), "+"), nil
	}

	if plain := plainNormalize(cleaned, defaultRegion); plain != "" {
		return plain, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
}

// plainNormalize returns "" when the result is not a plausible length
func plainNormalize(cleaned, region string) string {
	digits := strings.TrimPrefix(cleaned, "+")
	if !strings.HasPrefix(cleaned, "+") && strings.HasPrefix(digits, "0") {
		code := phonenumbers.GetCountryCodeForRegion(strings.ToUpper(region))
		if code == 0 {
			return ""
		}
		digits = strconv.Itoa(code) + digits[1:]
	}
	if len(digits) < minPlainDigits || len(digits) > maxPlainDigits {
		return ""
	}
	return digits
}

// cleanPhone keeps digits and a leading plus sign
func cleanPhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
