package fieldsync

import "errors"

// ErrRecordNotFound is returned when a report with the specified ID does not exist.
var ErrRecordNotFound = errors.New("fieldsync: record not found")

// ErrDuplicateRecord is returned when Save is called with an ID that already exists in the store.
var ErrDuplicateRecord = errors.New("fieldsync: duplicate record id")

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = errors.New("fieldsync: unknown status")

// ErrDecodeImage is returned when a source image cannot be decoded.
// It is permanent for the same input; retrying the same bytes will not help.
var ErrDecodeImage = errors.New("fieldsync: cannot decode image")

// ErrEncodeImage is returned when re-encoding an image fails.
// Like ErrDecodeImage it is permanent for the same input.
var ErrEncodeImage = errors.New("fieldsync: cannot encode image")

// ErrPermanentPayload marks an upload failure the transport classified as
// non-retryable (e.g. the server rejected the payload as malformed).
var ErrPermanentPayload = errors.New("fieldsync: payload rejected permanently")

// ErrNotResyncable is returned when Resync is called for a record that is not
// in a terminal failed state.
var ErrNotResyncable = errors.New("fieldsync: record is not terminally failed")

// PermanentError wraps a transport failure that should not be retried.
// errors.Is(err, ErrPermanentPayload) reports true for wrapped values.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Is lets wrapped permanent failures match the ErrPermanentPayload sentinel.
func (e *PermanentError) Is(target error) bool { return target == ErrPermanentPayload }

// IsPermanent reports whether an upload error was classified as non-retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentPayload)
}
