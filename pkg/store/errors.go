package store

import (
	"errors"
	"fmt"

	"imcore/pkg/pagination"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrIntegrityViolation    = errors.New("integrity violation")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrTransactionClosed     = errors.New("transaction closed")
)

// InvalidArgument tags err as ErrInvalidArgument while keeping it inspectable.
func InvalidArgument(err error) error {
	if err == nil || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

// CheckPage validates a listing request against the sortable fields of an
// entity.
func CheckPage(req pagination.Request, sort pagination.Sort, fields []string) error {
	if err := req.Validate(); err != nil {
		return InvalidArgument(err)
	}
	return InvalidArgument(sort.Check(fields))
}
