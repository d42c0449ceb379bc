package validator

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const maxTargetLength = 2048

var (
	schemeRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// targetValidator accepts a host or an http(s) url without whitespace.
func targetValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}

	if val == "" || len(val) > maxTargetLength {
		return false
	}

	if strings.IndexFunc(val, unicode.IsSpace) >= 0 {
		return false
	}

	if schemeRegex.MatchString(val) {
		lower := strings.ToLower(val)
		return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
	}

	return true
}
