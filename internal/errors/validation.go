package errors

import "fmt"

// FieldError describes one invalid configuration or input field
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *FieldError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of field errors
type ValidationErrors []FieldError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a field error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Merge appends the errors of a nested validation under a field prefix
func (e *ValidationErrors) Merge(prefix string, err error) {
	if err == nil {
		return
	}
	if nested, ok := err.(ValidationErrors); ok {
		for _, fe := range nested {
			field := fe.Field
			if prefix != "" {
				field = prefix + "." + field
			}
			e.Add(field, fe.Message, fe.Value)
		}
		return
	}
	e.Add(prefix, err.Error(), nil)
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// AsError returns nil when empty, otherwise a validation AppError wrapping the collection
func (e ValidationErrors) AsError(message string) error {
	if !e.HasErrors() {
		return nil
	}
	return NewValidationError(message, e)
}
