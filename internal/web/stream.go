package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VickoT/FamilyDash/internal/connwatch"
	"github.com/VickoT/FamilyDash/internal/events"
	"github.com/VickoT/FamilyDash/internal/snapshot"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10

	// streamCoalesce collects bursts of updates (a washer report touches
	// several topics at once) into one frame.
	streamCoalesce = 250 * time.Millisecond

	defaultStreamInterval = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 << 10,
	// The dashboard is served to LAN tablets from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamFrame is one message on /v1/stream.
type streamFrame struct {
	Type     string                    `json:"type"`
	TS       int64                     `json:"ts"`
	MQTT     string                    `json:"mqtt,omitempty"`
	Services []connwatch.ServiceStatus `json:"services,omitempty"`
	Snapshot snapshot.Snapshot         `json:"snapshot"`
}

func (s *Server) streamInterval() time.Duration {
	if s.cfg.StreamIntervalSec <= 0 {
		return defaultStreamInterval
	}
	return time.Duration(s.cfg.StreamIntervalSec) * time.Second
}

// handleStream pushes the full snapshot on connect, after each burst of
// bus events, and on a fixed tick so ages on the tablet keep moving
// when nothing changes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(ctx, cancel, conn)

	updates := s.bus.Subscribe(16)
	defer s.bus.Unsubscribe(updates)

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)
	if err := s.writeFrame(conn); err != nil {
		s.logger.Debug("stream write failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ticker := time.NewTicker(s.streamInterval())
	defer ticker.Stop()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
			return

		case e, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if e.Kind == events.KindFeedFailed || flush != nil {
				continue
			}
			flush = time.After(streamCoalesce)
			continue

		case <-flush:
			flush = nil

		case <-ticker.C:

		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			continue
		}

		if err := s.writeFrame(conn); err != nil {
			s.logger.Debug("stream write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn) error {
	frame := streamFrame{
		Type:     "snapshot",
		TS:       s.now().Unix(),
		Snapshot: s.reader.Snapshot(),
	}
	if s.conn != nil {
		frame.MQTT = s.conn.StateName()
	}
	if s.watchers != nil {
		frame.Services = s.watchers.Status()
	}
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// readPump drains client frames so control messages are handled and
// cancels the stream when the client goes away.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
