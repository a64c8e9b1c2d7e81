package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate is matched by every *DuplicateError.
	ErrDuplicate = errors.New("duplicate user")
	// ErrAlreadyLinked is returned by LinkExternalIdentity when the record
	// gained an external identity after it was read.
	ErrAlreadyLinked = errors.New("user already linked")
)

const (
	KeyEmail              = "email"
	KeyExternalIdentityID = "external_identity_id"
)

// DuplicateError reports a uniqueness violation raised by the database.
type DuplicateError struct {
	Key string
	Err error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s: %v", e.Key, e.Err)
}

func (e *DuplicateError) Unwrap() error { return e.Err }

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// DuplicateKey returns the violated key of a duplicate error, or "" if err is not one.
func DuplicateKey(err error) string {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de.Key
	}
	return ""
}
