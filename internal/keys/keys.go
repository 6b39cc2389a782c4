package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

// Record returns the per-record hash key holding the report document,
// status, retry counter and image blob.
func Record(ns, id string) string { return "fieldsync:{" + ns + "}:record:" + id }

// Status returns the per-status SET key indexing record IDs.
func Status(ns, status string) string { return "fieldsync:{" + ns + "}:status:" + status }

// Unique returns the per-namespace SET key that tracks used record IDs for de-duplication.
func Unique(ns string) string { return "fieldsync:{" + ns + "}:unique" }

// Store holds all precomputed keys for a store namespace to avoid repeated concatenations.
type Store struct {
	Pending   string
	Uploading string
	Completed string
	Failed    string
	Unique    string

	ns string
}

// For returns a set of precomputed keys for the provided namespace.
func For(ns string) Store {
	prefix := "fieldsync:{" + ns + "}:"
	return Store{
		Pending:   prefix + "status:pending",
		Uploading: prefix + "status:uploading",
		Completed: prefix + "status:completed",
		Failed:    prefix + "status:failed",
		Unique:    prefix + "unique",
		ns:        ns,
	}
}

// Record returns the hash key for a record ID in this namespace.
func (s Store) Record(id string) string { return Record(s.ns, id) }

// ByStatus returns the index SET key for a raw status value.
func (s Store) ByStatus(status string) string { return Status(s.ns, status) }
