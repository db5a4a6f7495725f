package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldOperation     = "operation"
	FieldError         = "error"
	FieldDuration      = "duration_ms"
	FieldTransactionID = "transaction_id"
	FieldRecipient     = "recipient_identifier"
	FieldSender        = "sender"
	FieldTemplate      = "template"
	FieldAmountCents   = "amount_cents"
	FieldDirection     = "direction"
	FieldCategory      = "category"
	FieldAlertType     = "alert_type"
	FieldSeverity      = "severity"
	FieldFrequency     = "frequency"
	FieldBatchSize     = "batch_size"
	FieldSheetsRef     = "sheets_ref"
)

// Components defines standard component names
const (
	ComponentApp    = "app"
	ComponentEngine = "engine"
	ComponentWorker = "worker"
)

// Operations defines standard operation names
const (
	OpClassify = "classify"
	OpParse    = "parse"
	OpIngest   = "ingest"
	OpDetect   = "detect"
	OpAppend   = "append"
	OpSweep    = "sweep"
	OpStartup  = "startup"
	OpShutdown = "shutdown"
)
