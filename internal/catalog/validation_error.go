package catalog

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every problem found in one catalog so the
// operator can fix them in a single pass.
type ValidationErrors struct {
	File   string
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) Addf(fieldPath, format string, args ...any) {
	ve.Add(fieldPath, fmt.Sprintf(format, args...))
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	if ve.File != "" {
		return ve.File + ": " + strings.Join(msgs, "; ")
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		if ve.File != "" {
			fmt.Fprintf(&sb, "error: %s: %s: %s\n", ve.File, e.FieldPath, e.Message)
		} else {
			fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
		}
	}
	return sb.String()
}
