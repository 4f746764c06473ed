package httpapi

import (
	"context"
	"net/http"

	"cdr.dev/slog/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/clinicsync/internal/analytics"
)

type streamMessage struct {
	Type     string              `json:"type"`
	Snapshot *analytics.Snapshot `json:"snapshot,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// handleStream pushes a snapshot for the requested filter on connect and
// again after every dataset change, until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	// Reject unknown tenants before upgrading.
	if _, err := s.coord.Snapshot(r.Context(), q); err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}

	changes, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "accept websocket", slog.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	logger := s.logger.With(slog.F("correlation_id", correlationID))
	if err := s.pushSnapshot(ctx, conn, q); err != nil {
		logger.Debug(ctx, "stream closed", slog.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case _, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := s.pushSnapshot(ctx, conn, q); err != nil {
				logger.Debug(ctx, "stream closed", slog.Error(err))
				return
			}
		}
	}
}

func (s *Server) pushSnapshot(ctx context.Context, conn *websocket.Conn, q analytics.Query) error {
	msg := streamMessage{Type: "snapshot"}
	snap, err := s.coord.Snapshot(ctx, q)
	if err != nil {
		msg = streamMessage{Type: "error", Error: err.Error()}
	} else {
		msg.Snapshot = &snap
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
