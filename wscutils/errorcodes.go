package wscutils

// Error codes for machine-to-machine communication.
const (
	ErrcodeUnknown      = "unknown"
	ErrcodeInvalidJSON  = "invalid_json"
	ErrcodeInvalidInput = "invalid_input"
	ErrcodeMissing      = "missing"
	ErrcodeNotFound     = "not_found"
	ErrcodeUnauthorized = "unauthorized"
	ErrcodeConflict     = "conflict"
	ErrcodeDegraded     = "system_degraded"
	ErrcodeMaintenance  = "system_maintenance"
	ErrcodeInternal     = "internal_error"
)

// Message IDs.
const (
	MsgIDInvalidJSON   = 1001
	MsgIDInvalidInput  = 1002
	MsgIDNotFound      = 1004
	MsgIDUnauthorized  = 1005
	MsgIDConflict      = 1006
	MsgIDDegraded      = 1007
	MsgIDInternalError = 1010

	DefaultMsgID = 9999
)

// validationTagToMsgID maps validator tags to message ids.
var validationTagToMsgID = map[string]int{
	"required": MsgIDInvalidInput,
	"oneof":    MsgIDInvalidInput,
	"min":      MsgIDInvalidInput,
	"max":      MsgIDInvalidInput,
}

// validationTagToErrCode maps validator tags to error codes.
var validationTagToErrCode = map[string]string{
	"required": ErrcodeMissing,
	"oneof":    ErrcodeInvalidInput,
	"min":      ErrcodeInvalidInput,
	"max":      ErrcodeInvalidInput,
}
