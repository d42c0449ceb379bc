package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ErrInvalidMessage struct {
	error
}

func NewErrInvalidMessage(format string, args ...any) *ErrInvalidMessage {
	return &ErrInvalidMessage{fmt.Errorf(format, args...)}
}

// FromValidationError turns the field errors of the validator into a single
// readable error.
func FromValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
	}
	return NewErrInvalidMessage("invalid message: %s", strings.Join(fields, ", "))
}
