package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes carried in the envelope's code field.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotResendable     = "NOT_RESENDABLE"
	CodeAdapterNotReady   = "ADAPTER_NOT_READY"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Result        string `json:"result"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeResponse(w, statusCode, &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: uuid.NewString(),
	})
}

// writeError writes an error envelope. data is optional and is set when the
// failed call still produced a resource, such as a message kept pending.
func writeError(w http.ResponseWriter, statusCode int, code, message string, data any) {
	writeResponse(w, statusCode, &Response{
		Result:        "error",
		Data:          data,
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	})
}

func writeResponse(w http.ResponseWriter, statusCode int, response *Response) {
	body, err := json.Marshal(response)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Internal server error: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}
