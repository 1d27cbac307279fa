package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to an HTTP status and client message.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError writes the response of the first mapping matching err.
// Mapped 5xx errors are still logged since they mean a dependency or
// configuration problem rather than a bad request. Unmapped errors become
// 500 "internal error" and never leak their text to the caller.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	status, msg := http.StatusInternalServerError, "internal error"
	mapped := false
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			status, msg, mapped = m.Status, m.Message, true
			if msg == "" {
				msg = err.Error()
			}
			break
		}
	}

	switch {
	case !mapped:
		ctxlog.FromContext(ctx).Error("internal error", "error", err)
	case status >= http.StatusInternalServerError:
		ctxlog.FromContext(ctx).Error("request failed", "status", status, "error", err)
	}
	Error(w, status, msg)
}
