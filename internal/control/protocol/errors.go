package protocol

// Error codes for protocol responses.
const (
	// ErrCodeInvalidRequest indicates the request was malformed.
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeInvalidCommand indicates an unknown command was sent.
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	// ErrCodeInvalidParams indicates the command parameters were invalid.
	ErrCodeInvalidParams = "INVALID_PARAMS"
	// ErrCodeInvalidState indicates the operation is not allowed in the current state.
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeBusy indicates a connect request is already being processed.
	ErrCodeBusy = "BUSY"
	// ErrCodeConfigInvalid indicates the tunnel configuration was rejected.
	ErrCodeConfigInvalid = "CONFIG_INVALID"
	// ErrCodeDisconnectFailed indicates the tunnel could not be torn down.
	ErrCodeDisconnectFailed = "DISCONNECT_FAILED"
	// ErrCodeMessageTooLarge indicates a request exceeded the line limit.
	ErrCodeMessageTooLarge = "MESSAGE_TOO_LARGE"
	// ErrCodeInternalError indicates an unexpected internal error.
	ErrCodeInternalError = "INTERNAL_ERROR"
)
