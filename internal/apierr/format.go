package apierr

import "net/http"

// Dialect identifies the caller-facing protocol shape.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectClaude Dialect = "claude"
	DialectGemini Dialect = "gemini"
)

// Envelope renders the error in the dialect's native JSON error shape.
func (e *APIError) Envelope(d Dialect) map[string]interface{} {
	switch d {
	case DialectClaude:
		return map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    e.Type,
				"message": e.Message,
			},
		}
	case DialectGemini:
		return map[string]interface{}{
			"error": map[string]interface{}{
				"code":    e.HTTPStatus,
				"message": e.Message,
				"status":  geminiStatus(e.HTTPStatus),
			},
		}
	default:
		return map[string]interface{}{
			"error": map[string]interface{}{
				"message": e.Message,
				"type":    e.Type,
				"code":    e.Code,
			},
		}
	}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusInternalServerError:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Common caller-facing errors.
var (
	ErrInvalidKey    = New(http.StatusUnauthorized, "invalid_api_key", "authentication_error", "Invalid API key")
	ErrNoCredentials = New(http.StatusServiceUnavailable, "no_credentials_available", "server_error", "No upstream credentials available")
)

// BadRequest builds a dialect-agnostic 400 for inbound parse failures.
func BadRequest(message string) *APIError {
	return New(http.StatusBadRequest, "invalid_request_error", "invalid_request_error", message)
}
