package analysis

import (
	"errors"
	"fmt"

	"healthsurveil/ml"
	"healthsurveil/store"
)

// InputError marks failures caused by the request rather than the system.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &InputError{Err: fmt.Errorf(format, args...)}
}

func IsInputError(err error) bool {
	var inputErr *InputError
	return errors.As(err, &inputErr)
}

// NotTrainedError is returned when an operation needs a model that has no
// saved version yet.
type NotTrainedError struct {
	Model string
}

func (e *NotTrainedError) Error() string { return fmt.Sprintf("model %q not trained", e.Model) }

func (e *NotTrainedError) Unwrap() error { return store.ErrModelNotFound }

// classify turns ml validation failures into input errors.
func classify(field string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ml.ErrEmptyInput),
		errors.Is(err, ml.ErrNonFinite),
		errors.Is(err, ml.ErrDimensionMismatch),
		errors.Is(err, ml.ErrSingleClass):
		if field == "" {
			return &InputError{Err: err}
		}
		return &InputError{Err: fmt.Errorf("%s: %w", field, err)}
	}
	return err
}
