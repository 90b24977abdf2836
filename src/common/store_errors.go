package common

import (
	"errors"
	"fmt"
)

// StoreErrType classifies failures returned by the durable stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned when a record does not exist.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned when an insert-only write hits an existing
	// record.
	KeyAlreadyExists
	// Corrupted is returned when a stored value cannot be decoded.
	Corrupted
	// Conflict is returned when a transaction lost a race against a
	// concurrent writer of the same key.
	Conflict
)

// StoreErr is the error type shared by all badger-backed stores.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Corrupted:
		m = "Corrupted"
	case Conflict:
		m = "Conflict"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is, or wraps, a StoreErr and that its code
// matches the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	var storeErr StoreErr
	return errors.As(err, &storeErr) && storeErr.errType == t
}
