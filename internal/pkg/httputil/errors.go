package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError writes the first mapping matching err. A request whose context
// ended gets 503, anything else unmapped is logged and becomes a 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}

	log := ctxlog.FromContext(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("request aborted", "error", err)
		Error(w, http.StatusServiceUnavailable, "request aborted")
		return
	}

	log.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
