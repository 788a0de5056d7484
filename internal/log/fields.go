package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID      = "job_id"
	FieldTransferID = "transfer_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAdapter   = "adapter"

	// Media fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldEncoder    = "encoder"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath       = "path"
	FieldRemotePath = "remote_path"
	FieldLocalPath  = "local_path"
)
