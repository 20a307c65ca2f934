package ir

// Version constants stamped into enforcement snapshots.
const (
	// SchemaVersion is the ledger record schema version.
	SchemaVersion = "1"

	// EngineVersion is the warden engine version.
	EngineVersion = "0.1.0"
)
