package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/playertxt/internal/events"
)

// WelcomeMessage opens every comms feed.
const WelcomeMessage = "Welcome to the PlayerTXT Protocol."

const (
	commsHistory   = 50
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

// CommsLine is one message in the comms zone.
type CommsLine struct {
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func commsLine(e events.Event) CommsLine {
	source := "SYSTEM"
	if sender, ok := e.Data["sender"].(string); ok && sender != "" {
		source = sender
	}
	return CommsLine{Source: source, Message: e.Message, Timestamp: e.Timestamp}
}

func (s *Server) handleComms(w http.ResponseWriter, r *http.Request) {
	lines := []CommsLine{{Source: "SYSTEM", Message: WelcomeMessage, Timestamp: s.now().UTC()}}
	if s.deps.Ring != nil {
		for _, e := range s.deps.Ring.Recent(commsHistory, events.Comms) {
			lines = append(lines, commsLine(e))
		}
	}
	writeJSON(w, map[string]any{"zoneB": lines}, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleCommsStream pushes comms lines to the client as they are
// published. The client never sends anything but control frames.
func (s *Server) handleCommsStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "comms stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("comms upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	p := playerFrom(r.Context())
	log := s.logger.With("player_id", p.ID)
	log.Debug("comms stream opened")

	ch := s.deps.Bus.Subscribe(64)
	defer s.deps.Bus.Unsubscribe(ch)

	// Drain reads so pongs and close frames are processed.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("comms read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Debug("comms stream closed")
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !events.Comms(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(commsLine(e)); err != nil {
				log.Debug("comms write failed", "error", err)
				return
			}
		}
	}
}
