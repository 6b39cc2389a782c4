package fieldsync

// Status represents a report delivery state used to store and inspect records.
// Use the exported constants (StatusPending, StatusUploading, etc.) instead of
// raw strings to avoid typos.
type Status string

const (
	// StatusPending contains reports ready for upload.
	StatusPending Status = "pending"
	// StatusUploading contains reports with an upload attempt in flight.
	StatusUploading Status = "uploading"
	// StatusCompleted contains delivered reports awaiting garbage collection.
	StatusCompleted Status = "completed"
	// StatusFailed contains reports whose last attempt failed. A failed report
	// with Retry >= MaxRetries is terminal and is not retried automatically.
	StatusFailed Status = "failed"
)

// AllStatuses lists every valid report status in a stable order.
var AllStatuses = []Status{StatusPending, StatusUploading, StatusCompleted, StatusFailed}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusUploading):
		return StatusUploading, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", ErrUnknownStatus
	}
}
