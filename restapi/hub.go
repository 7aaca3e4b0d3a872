package restapi

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/dosgo/xkernel/comm"
)

const queueSize = 64

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans emitted events out to every connected /events socket. A
// subscriber that falls behind loses events rather than blocking Emit.
type Hub struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[chan []byte]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: comm.OrNop(logger).With(zap.String("component", "events")),
		subs:   map[chan []byte]struct{}{},
	}
}

func (h *Hub) Emit(event string, payload any) {
	buf, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- buf:
		default:
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, queueSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// serve pumps events to ws until the peer goes away.
func (h *Hub) serve(ws *websocket.Conn) {
	ch := h.subscribe()
	defer h.unsubscribe(ch)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}()
	h.logger.Debug("subscriber connected", zap.String("remote", ws.Request().RemoteAddr))
	for {
		select {
		case <-gone:
			return
		case buf := <-ch:
			if err := websocket.Message.Send(ws, string(buf)); err != nil {
				return
			}
		}
	}
}
