package websocket

import (
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	bufferSize = 256
)

// Options configures the event stream handler.
type Options struct {
	// AllowedOrigin restricts the Origin header; empty or "*" allows any.
	AllowedOrigin string
}

// Handler returns an http.Handler that upgrades to WebSocket and streams events from the hub.
// The query parameters character_id, club_id and types (comma separated) narrow the stream.
func Handler(hub *realtime.Hub, opts Options) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool {
		if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == opts.AllowedOrigin
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := filterFromQuery(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.SubscribeFiltered(bufferSize, filter)
		defer hub.Unsubscribe(id)

		// the reader only services control frames and notices the client leaving
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

func filterFromQuery(r *http.Request) realtime.Filter {
	q := r.URL.Query()
	f := realtime.Filter{
		CharacterID: core.CharacterID(strings.TrimSpace(q.Get("character_id"))),
		ClubID:      core.ClubID(strings.TrimSpace(q.Get("club_id"))),
	}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, core.EventType(t))
		}
	}
	return f
}
