package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lynqit/reconciler/pkg/billing"
)

// MaxWebhookBody bounds webhook request bodies.
const MaxWebhookBody = 256 * 1024

// ErrPayloadTooLarge is returned when the request body exceeds the size limit
var ErrPayloadTooLarge = errors.New("payload too large")

// ReadBodyStrict reads at most limit bytes of the request body and rejects empty bodies.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

// WriteJSON writes a JSON response with proper headers
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// SetSecurityHeaders marks webhook responses as uncacheable.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// WebhookResponse is the body returned to payment providers.
type WebhookResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  *billing.Result `json:"result,omitempty"`
}

// WriteEventResult answers a provider callback after the event was handled.
// Unrecoverable errors are acknowledged with 200 and success:false so the
// provider stops retrying; anything else is a 500 and will be redelivered.
// It returns the metrics status label for the outcome.
func WriteEventResult(w http.ResponseWriter, res *billing.Result, err error) string {
	switch {
	case err == nil:
		status := "success"
		if res != nil && res.Skipped {
			status = "ignored"
		}
		_ = WriteJSON(w, http.StatusOK, WebhookResponse{Success: true, Result: res})
		return status
	case billing.Unrecoverable(err):
		_ = WriteJSON(w, http.StatusOK, WebhookResponse{Success: false, Error: err.Error()})
		return "rejected"
	default:
		_ = WriteJSON(w, http.StatusInternalServerError, WebhookResponse{Success: false, Error: "failed to process webhook"})
		return "error"
	}
}
