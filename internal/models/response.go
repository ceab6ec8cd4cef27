package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK        APIStatus = "ok"
	APIStatusError     APIStatus = "error"
	APIStatusScheduled APIStatus = "scheduled"
	APIStatusRecorded  APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Scheduled reports content registered for later delivery.
func Scheduled(result any) APIResponse {
	return APIResponse{Status: string(APIStatusScheduled), Result: result}
}

// Recorded reports a stored state change.
func Recorded(result any) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
