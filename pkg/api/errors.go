package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Error codes carried in the error envelope.
const (
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeNoSession           = "NO_SESSION"
	ErrCodeSessionNotReady     = "SESSION_NOT_READY"
	ErrCodeProvisioningTimeout = "PROVISIONING_TIMEOUT"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode JSON response: %v\n", err)
	}
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int,
	code, message string, retryable bool, details map[string]interface{}) {

	requestID, _ := r.Context().Value(contextKeyRequestID).(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	respondJSON(w, statusCode, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Retryable: retryable,
	})
}
