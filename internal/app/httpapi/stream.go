package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
)

const (
	streamBuffer     = 64
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents pushes pipeline events to a websocket client as they happen.
// The component and type query parameters filter the stream. A client that
// falls behind loses events rather than stalling the pipeline.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	match := events.Match{
		Component: r.URL.Query().Get("component"),
		Type:      events.EventType(r.URL.Query().Get("type")),
	}
	feed := make(chan events.Event, streamBuffer)
	var dropped int64
	unsubscribe := s.deps.Events.SubscribeFiltered(
		match.Matches,
		func(e events.Event) {
			select {
			case feed <- e:
			default:
				atomic.AddInt64(&dropped, 1)
			}
		},
	)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("event stream upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := s.log.WithField("principal", principalOf(r.Context()).String())
	log.Debug("event stream opened")
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("event stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.WithField("dropped", atomic.LoadInt64(&dropped)).Debug("event stream closed by client")
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
