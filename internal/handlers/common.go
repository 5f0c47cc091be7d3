package handlers

// ErrorResponse is the uniform error body of the admin API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse acknowledges state-changing calls with no payload.
type SuccessResponse struct {
	Message string `json:"message"`
}
