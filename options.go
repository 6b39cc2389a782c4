package fieldsync

type options struct {
	id      string
	profile Profile
}

// Option is a function that configures record behavior during Save.
type Option func(*options)

// RecordID sets a custom ID for the record. If not provided, a random UUID
// will be generated.
func RecordID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithProfile selects the compression profile applied to the draft's raw
// image before persisting. Defaults to ProfileMedium.
func WithProfile(p Profile) Option {
	return func(o *options) {
		o.profile = p
	}
}
