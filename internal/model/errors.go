package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyExists     = errors.New("already exists")

	// cancel causes of scan contexts
	ErrScanCanceled = errors.New("scan canceled")
	ErrScanPaused   = errors.New("scan paused")
	ErrScanTimeout  = errors.New("timeout")
)

// FieldError is a validation failure of a single input field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationError aggregates every FieldError found while validating one object.
type ValidationError struct {
	merr *multierror.Error
}

func (v *ValidationError) add(field, format string, args ...any) {
	v.merr = multierror.Append(v.merr, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ErrorOrNil returns nil when nothing was added, so callers can `return v.ErrorOrNil()`.
func (v *ValidationError) ErrorOrNil() error {
	if v == nil || v.merr.ErrorOrNil() == nil {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.merr.Errors))
	for _, e := range v.merr.Errors {
		parts = append(parts, e.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the messages grouped per field, the shape the API returns with 400.
func (v *ValidationError) Fields() map[string][]string {
	ret := make(map[string][]string)
	for _, e := range v.merr.Errors {
		var fe FieldError
		if errors.As(e, &fe) {
			ret[fe.Field] = append(ret[fe.Field], fe.Message)
		}
	}
	for k := range ret {
		sort.Strings(ret[k])
	}
	return ret
}
