package fieldsync

// Location is an optional GPS fix captured with a report.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Report represents a single activity report persisted by the store.
// It is serialized to JSON and stored in Redis; the image blob is kept
// out of the JSON document and stored as a separate binary field.
type Report struct {
	// ID is the unique identifier for the report, generated at save time.
	ID string `json:"id"`
	// TaskType is the activity category the report describes.
	TaskType string `json:"task_type"`
	// Site names the location/installation the report was filed from.
	Site string `json:"site"`
	// Description is the free-form report body.
	Description string `json:"description"`
	// Severity is an opaque severity label; validated by the caller, not here.
	Severity string `json:"severity"`
	// Location is the GPS fix, if capture succeeded.
	Location *Location `json:"location,omitempty"`
	// CreatedAt is the capture timestamp (ms).
	CreatedAt int64 `json:"created_at"`
	// Retry is the number of failed upload attempts made so far.
	Retry int `json:"retry"`
	// Status is the delivery state of the report.
	Status Status `json:"status"`
	// Image is the compressed image payload, if any. It is already in final
	// encoded form when it reaches the store; the store never re-compresses.
	Image []byte `json:"-"`
	// LastError is the error message from the last failed upload attempt.
	LastError string `json:"last_error,omitempty"`
	// LastErrorAt is the timestamp (ms) of the last failed attempt.
	LastErrorAt int64 `json:"last_error_at,omitempty"`
}

// Draft holds the caller-provided fields for a new report before it is
// assigned an ID and persisted. RawImage, if set, is compressed by the
// engine's optimizer before the record is written.
type Draft struct {
	TaskType    string
	Site        string
	Description string
	Severity    string
	Location    *Location
	// RawImage is the uncompressed source image as captured.
	RawImage []byte
}
