package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/ipfs-force-community/sophon-keeper/session"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

// wsEnvelope is the frame format on a page channel. The first frame must
// be a connect; after that the page sends requests and receives responses
// and origin-filtered push events.
type wsEnvelope struct {
	Type string `json:"type"`

	// connect
	Origin      string `json:"origin,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`

	Request  *types.RPCRequest  `json:"request,omitempty"`
	Response *types.RPCResponse `json:"response,omitempty"`
	Event    *types.PushEvent   `json:"event,omitempty"`
}

const (
	frameConnect  = "connect"
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// WSServer upgrades page connections, tags each with a Session and feeds
// requests through the broker. One channel per tab; channels run fully in
// parallel with each other.
type WSServer struct {
	broker   *Broker
	registry *session.Registry
	upgrader websocket.Upgrader
	nextTab  uint64
}

func NewWSServer(b *Broker, registry *session.Registry) *WSServer {
	return &WSServer{
		broker:   b,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// origin identity comes from the connect frame; the page side
			// of the extension is already inside the trust boundary
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("upgrade page connection: %v", err)
		return
	}
	defer conn.Close() // nolint

	var hello wsEnvelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameConnect || hello.Origin == "" {
		log.Warnf("page channel rejected, bad connect frame: %v", err)
		return
	}

	tabID := atomic.AddUint64(&s.nextTab, 1)

	var writeLk sync.Mutex
	write := func(env *wsEnvelope) error {
		writeLk.Lock()
		defer writeLk.Unlock()
		return conn.WriteJSON(env)
	}

	sess := s.registry.CreateSession(tabID, hello.Origin, hello.DisplayName, hello.IconURL, func(event string, data json.RawMessage) {
		if err := write(&wsEnvelope{Type: frameEvent, Event: &types.PushEvent{Event: event, Data: data}}); err != nil {
			log.Warnf("push %s to tab %d: %v", event, tabID, err)
		}
	})
	c := s.broker.NewConnection(r.Context(), sess)
	defer func() {
		c.Close()
		s.registry.DeleteSession(tabID)
	}()

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Debugf("page channel for tab %d closed: %v", tabID, err)
			return
		}
		if env.Type != frameRequest || env.Request == nil {
			log.Warnf("tab %d sent unexpected frame %q", tabID, env.Type)
			continue
		}

		// each frame gets its own goroutine; the connection's single
		// pending slot is what serializes them
		req := env.Request
		go func() {
			resp := c.Request(req)
			if err := write(&wsEnvelope{Type: frameResponse, Response: resp}); err != nil {
				log.Warnf("respond to tab %d: %v", tabID, err)
			}
		}()
	}
}
