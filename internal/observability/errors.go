package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors, logs them once through logger and
// returns the aggregate, or nil when every error is nil.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	logger.Error("operation errors", append(fields,
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
