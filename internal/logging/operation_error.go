package logging

import "fmt"

// OperationError annotates an infrastructure failure with the operation that
// produced it and the classifier involved, if any. Transports, the model
// registry, the model store and the result cache wrap their errors at origin
// with operation names such as "rest.download_model" or "repository.save_model".
// The use case later translates the chain into an apperror kind while
// errors.As still reaches the OperationError for logging.
type OperationError struct {
	Operation    string
	ClassifierID string
	Err          error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.ClassifierID != "" {
		return fmt.Sprintf("%s (classifier_id=%s): %v", e.Operation, e.ClassifierID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with operation metadata. A nil err stays nil so
// call sites can wrap a result unconditionally.
func NewOperationError(operation, classifierID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ClassifierID: classifierID, Err: err}
}
