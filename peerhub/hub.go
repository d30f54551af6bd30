// Package peerhub multiplexes a handful of long-lived WebSocket peers
// (the operator app, the vision service, diagnostic tooling) behind a
// small named registry, the way the original's websocket server kept one
// asyncio task per connection and a dict of per-client mailboxes. Gorilla's
// websocket package stands in for Python's websockets library — the only
// WebSocket dependency surfaced anywhere in the retrieved example pack.
package peerhub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the named-peer registry. It does not know anything about the
// message payloads it carries — callers unmarshal to whatever shape they
// expect.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*peer
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{peers: make(map[string]*peer)}
}

// peer is one named connection's mailbox.
type peer struct {
	mu            sync.Mutex
	name          string
	conn          *websocket.Conn
	writeMu       sync.Mutex
	last          json.RawMessage
	lastAt        time.Time
	consumed      bool
	justConnected bool
}

// handshake is the first message a peer sends. The original accepted
// several historical key spellings before falling back to a bare text
// name; this preserves that exact fallback order (SPEC_FULL.md section D).
type handshake struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Client   string `json:"client"`
}

func (h *handshake) peerName() string {
	switch {
	case h.ClientID != "":
		return h.ClientID
	case h.Name != "":
		return h.Name
	case h.Client != "":
		return h.Client
	default:
		return ""
	}
}

// ServeHTTP upgrades the connection, performs the registration handshake,
// and then services the connection until it closes or errors.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("peerhub: upgrade: %v", err)
		return
	}
	h.serve(conn)
}

func (h *Hub) serve(conn *websocket.Conn) {
	_, first, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	name := parsePeerName(first)
	if name == "" {
		conn.Close()
		return
	}

	p := &peer{name: name, conn: conn, justConnected: true}
	h.register(p)
	log.Printf("peerhub: %s connected", name)

	defer func() {
		h.unregister(name, p)
		conn.Close()
		log.Printf("peerhub: %s disconnected", name)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.last = append(json.RawMessage(nil), msg...)
		p.lastAt = time.Now()
		p.consumed = false
		p.mu.Unlock()
	}
}

// parsePeerName tries client_id, then name, then client JSON keys, and
// finally treats the whole first frame as a plain-text name.
func parsePeerName(first []byte) string {
	var hs handshake
	if err := json.Unmarshal(first, &hs); err == nil {
		if n := hs.peerName(); n != "" {
			return n
		}
	}
	return string(first)
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.peers[p.name]; ok {
		old.conn.Close()
	}
	h.peers[p.name] = p
}

func (h *Hub) unregister(name string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.peers[name]; ok && cur == p {
		delete(h.peers, name)
	}
}

func (h *Hub) find(name string) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[name]
	return p, ok
}

// GetCommand returns name's latest message exactly once: a second call
// with no intervening message returns ok=false, mirroring the original's
// destructive one-shot command read.
func (h *Hub) GetCommand(name string) (json.RawMessage, bool) {
	p, ok := h.find(name)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil || p.consumed {
		return nil, false
	}
	p.consumed = true
	return p.last, true
}

// GetState returns name's latest message without consuming it.
func (h *Hub) GetState(name string) (json.RawMessage, bool) {
	p, ok := h.find(name)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil, false
	}
	return p.last, true
}

// IsJustConnected reports (and clears) name's just-connected edge flag.
func (h *Hub) IsJustConnected(name string) bool {
	p, ok := h.find(name)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.justConnected
	p.justConnected = false
	return v
}

// Connected reports whether name currently has a live socket registered.
func (h *Hub) Connected(name string) bool {
	_, ok := h.find(name)
	return ok
}

// Send marshals v and writes it to name's socket, if connected.
func (h *Hub) Send(name string, v interface{}) error {
	p, ok := h.find(name)
	if !ok {
		return nil
	}
	return p.send(v)
}

func (p *peer) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast sends v to every currently registered peer, logging (but not
// failing on) individual write errors.
func (h *Hub) Broadcast(v interface{}) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.send(v); err != nil {
			log.Printf("peerhub: broadcast to %s: %v", p.name, err)
		}
	}
}
