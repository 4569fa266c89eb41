// Package httpapi provides JSON response helpers for the webhook
// listener.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Response is the generic error/status envelope returned by the
// webhook listener.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Write encodes v as JSON with the given status code. Encoding
// failures are ignored: the status line has already been written and
// there is nothing useful left to do.
func Write(ctx context.Context, rw http.ResponseWriter, status int, v any) {
	if ctx.Err() != nil {
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
