package dto

// ErrorResponse is the body of every non-2xx REST response. The ask
// stream uses a reduced form of the same shape: a single line with only
// the error field set, carrying the human-readable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func NewErrorResponse(err string, message string, code int) *ErrorResponse {
	return &ErrorResponse{
		Error:   err,
		Message: message,
		Code:    code,
	}
}
