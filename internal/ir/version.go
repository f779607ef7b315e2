package ir

// Version constants.
const (
	// SchemaVersion is stamped into every archived transcript blob.
	SchemaVersion = "1"

	// Version is the threadkeep release version.
	Version = "0.1.0"
)
