package types

// Error codes returned in API error bodies.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeBusy            = "BUSY"
	CodeNotRunning      = "NOT_RUNNING"
	CodeTimeout         = "ACQUISITION_TIMEOUT"
	CodeCancelled       = "ACQUISITION_CANCELLED"
	CodeNoData          = "NO_DATA"
	CodeNotWritable     = "NOT_WRITABLE"
	CodeNotBuffered     = "NOT_BUFFERED"
	CodeSkipped         = "SKIPPED"
	CodeCatalogInvalid  = "CATALOG_INVALID"
	CodeTransport       = "TRANSPORT_ERROR"
	CodeHistoryDisabled = "HISTORY_DISABLED"
	CodeInternal        = "INTERNAL_ERROR"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error payload of every API endpoint.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
