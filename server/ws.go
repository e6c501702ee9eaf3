package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/session"
)

// wsCommand is an inbound message on the duplex event stream.
type wsCommand struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ToNodeID string `json:"toNodeId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleEvents upgrades to a websocket, streams the session's ordered event
// feed to the client and accepts turn and route commands on the same
// connection. The connection ends when the session closes, the subscription
// is cancelled or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sess.ID(), "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	s.metrics.wsClients.Inc()
	defer s.metrics.wsClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := sess.Subscribe()
	defer sub.Cancel()

	// Both loops write to the connection: the event feed and command
	// rejections. Serialize the frames.
	var writeMu sync.Mutex
	writeEvent := func(ev core.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Write(ctx, websocket.MessageText, data)
	}

	// Reader side: turn and route commands from the client. A command that
	// fails is answered with an error event on this connection only; the
	// shared session stream stays untouched. Read errors (including a
	// clean close) tear down the whole connection.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				s.logger.Warn("websocket command rejected", "session_id", sess.ID(), "error", err.Error())
				_ = writeEvent(commandError(sess.ID(), err))
				continue
			}
			if err := s.dispatchCommand(ctx, sess, cmd); err != nil {
				_ = writeEvent(commandError(sess.ID(), err))
			}
		}
	}()

	// Writer side: the session's event feed, in publish order.
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := writeEvent(ev); err != nil {
				s.logger.Warn("event write failed", "session_id", sess.ID(), "error", err.Error())
				return
			}
		}
	}
}

// commandError shapes a command rejection as an error event. It carries no
// sequence number: it belongs to one connection, not the session stream.
func commandError(sessionID string, err error) core.Event {
	ev := core.NewErrorEvent("", err.Error())
	ev.SessionID = sessionID
	return ev
}

func (s *Server) dispatchCommand(ctx context.Context, sess *session.Session, cmd wsCommand) error {
	switch cmd.Type {
	case "turn":
		if cmd.Text == "" {
			return errors.New("turn command requires text")
		}
		result, err := sess.PostTurn(ctx, cmd.Text)
		if err != nil {
			return err
		}
		s.metrics.turnsTotal.Inc()
		if result.Routed {
			s.metrics.handoffsTotal.WithLabelValues("auto").Inc()
		}
		return nil
	case "route":
		if cmd.ToNodeID == "" {
			return errors.New("route command requires toNodeId")
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "manual"
		}
		if err := sess.Handoff(ctx, cmd.ToNodeID, reason); err != nil {
			return err
		}
		s.metrics.handoffsTotal.WithLabelValues("manual").Inc()
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
