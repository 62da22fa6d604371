package eventbus

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader accepts connections from any origin; the host embedding cogloop
// is expected to enforce its own network boundary in front of this endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeSubscriber upgrades an HTTP request to a websocket connection and
// streams this broker's events to it, honoring an optional "from_seq" query
// parameter for replay, matching the subscribe(op_id, from_seq?) contract.
func (b *Broker) ServeSubscriber(w http.ResponseWriter, r *http.Request, subscriberID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var fromSeq *uint64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			fromSeq = &v
		}
	}

	ch, unsubscribe := b.Subscribe(subscriberID, fromSeq)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
