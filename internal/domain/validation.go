package domain

import (
	"fmt"
	"strings"
	"time"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError collects field errors for one request. It unwraps to
// ErrBadRequest.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		parts = append(parts, fe.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrBadRequest }

// ParseDatetime parses a label datetime (RFC 3339, optional fractional seconds).
func ParseDatetime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ValidateLabel performs strict checks on an unsigned label.
func ValidateLabel(l *UnsignedLabel) []FieldError {
	var errs []FieldError

	if l.Src == "" {
		errs = append(errs, FieldError{"src", "required"})
	} else if len(l.Src) > MaxSrcLen {
		errs = append(errs, FieldError{"src", fmt.Sprintf("max length %d", MaxSrcLen)})
	}

	if l.URI == "" {
		errs = append(errs, FieldError{"uri", "required"})
	} else if len(l.URI) > MaxURILen {
		errs = append(errs, FieldError{"uri", fmt.Sprintf("max length %d", MaxURILen)})
	}

	if l.Val == "" {
		errs = append(errs, FieldError{"val", "required"})
	} else if len(l.Val) > MaxValLen {
		errs = append(errs, FieldError{"val", fmt.Sprintf("max length %d", MaxValLen)})
	}

	if l.Cts == "" {
		errs = append(errs, FieldError{"cts", "required datetime"})
	} else if _, err := ParseDatetime(l.Cts); err != nil {
		errs = append(errs, FieldError{"cts", "must be an RFC 3339 datetime"})
	}

	if l.Exp != "" {
		if _, err := ParseDatetime(l.Exp); err != nil {
			errs = append(errs, FieldError{"exp", "must be an RFC 3339 datetime"})
		}
	}

	return errs
}

// ValidateBatch enforces the batch size cap and per-item validation.
// Field names of item errors are prefixed with labels[i].
func ValidateBatch(labels []UnsignedLabel, maxItems int) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: labels: required and must contain at least one item", ErrBadRequest)
	}
	if len(labels) > maxItems {
		return fmt.Errorf("%w: labels: max %d items", ErrBadRequest, maxItems)
	}
	var all []FieldError
	for i := range labels {
		for _, fe := range ValidateLabel(&labels[i]) {
			all = append(all, FieldError{
				Field: fmt.Sprintf("labels[%d].%s", i, fe.Field),
				Msg:   fe.Msg,
			})
		}
	}
	if len(all) > 0 {
		return &ValidationError{Fields: all}
	}
	return nil
}
