package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/store/sqlite"
)

const inspectorQueueSize = 256

// inspector persists captured HTTP exchanges off the proxy hot path.
// Captures are dropped, not queued unbounded, when the writer falls
// behind.
type inspector struct {
	store     *sqlite.Store
	log       *slog.Logger
	retention int
	ch        chan domain.InspectorRequest
}

func newInspector(store *sqlite.Store, logger *slog.Logger, retention int) *inspector {
	return &inspector{
		store:     store,
		log:       logger,
		retention: retention,
		ch:        make(chan domain.InspectorRequest, inspectorQueueSize),
	}
}

// record enqueues one exchange without blocking the proxy goroutine.
func (ins *inspector) record(r domain.InspectorRequest) {
	select {
	case ins.ch <- r:
	default:
		ins.log.Debug("inspector queue full, dropping capture", "subdomain", r.Subdomain)
	}
}

// run drains the capture queue until ctx is cancelled.
func (ins *inspector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-ins.ch:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := ins.store.InsertInspectorRequest(writeCtx, r, ins.retention)
			cancel()
			if err != nil {
				ins.log.Error("inspector write failed", "subdomain", r.Subdomain, "err", err)
			}
		}
	}
}

// capturedHTTPExchange builds an inspector record from one proxied
// request/response pair. Bodies arrive already capped by the capture
// path.
func capturedHTTPExchange(r *http.Request, sess *session, reqBody []byte, reqHeaders map[string][]string, status int, respHeaders map[string][]string, respBody []byte) domain.InspectorRequest {
	return domain.InspectorRequest{
		ID:              domain.NewID(),
		TeamID:          sess.connection.TeamID,
		Subdomain:       sess.connection.Subdomain,
		Host:            r.Host,
		Method:          r.Method,
		URL:             r.URL.RequestURI(),
		Headers:         reqHeaders,
		Body:            reqBody,
		ResponseStatus:  status,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
		LoggedAt:        time.Now().UTC(),
	}
}
