// Package wstransport implements the WebSocket delivery edge for the
// killmails:lobby topic (spec §6 downstream WebSocket API): clients join
// with an empty systems/characters set (no join parameters are read from the
// upgrade request), build and adjust that set at runtime with
// subscribe/unsubscribe messages, and receive killmail_update pushes
// filtered to their current interest set.
package wstransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"wanderer-kills/internal/broadcaster"
	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/killmail"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16

	maxJoinSystems    = 100
	maxJoinCharacters = 1000

	lobbyTopic = "all_systems"
)

// Config bundles the transport's tunables; the allowed Origin list for the
// upgrade check is the only one.
type Config struct {
	AllowedOrigins []string
}

// Hub owns every live connection and the Broadcaster subscription feeding
// them. One Hub serves the whole killmails:lobby topic.
type Hub struct {
	broadcaster *broadcaster.Broadcaster
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Connection
}

// New builds a Hub that relays messages published to the broadcaster's
// "all_systems" topic to every connection whose join filters match.
func New(bc *broadcaster.Broadcaster, cfg Config) *Hub {
	h := &Hub{
		broadcaster: bc,
		conns:       make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin(cfg.AllowedOrigins),
	}
	return h
}

func (h *Hub) checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// until it closes. Registered directly as the killmails:lobby handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Connection{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, 64),
	}
	c.sub = h.broadcaster.Subscribe(lobbyTopic)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	c.run(r.Context())

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// ConnectionCount reports how many websocket clients are currently joined.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Connection is one joined client: its own read/write pump and its current
// systems/characters filter.
type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	sub  *broadcaster.Subscriber
	send chan []byte

	mu         sync.Mutex
	systems    map[int32]struct{}
	characters map[int64]struct{}
}

// clientMessage is the envelope for every inbound control message.
type clientMessage struct {
	Type       string  `json:"type"`
	Systems    []int32 `json:"systems,omitempty"`
	Characters []int64 `json:"characters,omitempty"`
}

// serverMessage is the envelope for every outbound message.
type serverMessage struct {
	Type       string              `json:"type"`
	Killmails  []killmail.Killmail `json:"killmails,omitempty"`
	Systems    []int32             `json:"systems,omitempty"`
	Characters []int64             `json:"characters,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (c *Connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.readPump(cancel)
	c.writePump(ctx)

	c.hub.broadcaster.Unsubscribe(c.sub)
	c.conn.Close()
}

// readPump reads client control messages until the connection closes,
// forwarding them onto c.handleClientMessage. Cancels ctx on exit so
// writePump can unwind.
func (c *Connection) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message: " + err.Error())
			continue
		}
		c.handleClientMessage(msg)
	}
}

// writePump owns every write to the underlying connection: relayed
// broadcaster messages, outbound control responses, and keepalive pings.
func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			c.relayBroadcast(msg)

		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleClientMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe_systems":
		if err := c.addSystems(msg.Systems); err != nil {
			c.sendError(err.Error())
			return
		}
	case "unsubscribe_systems":
		c.removeSystems(msg.Systems)
	case "subscribe_characters":
		if err := c.addCharacters(msg.Characters); err != nil {
			c.sendError(err.Error())
			return
		}
	case "unsubscribe_characters":
		c.removeCharacters(msg.Characters)
	case "get_status":
		c.sendStatus()
		return
	default:
		c.sendError("unknown message type: " + msg.Type)
		return
	}
	c.sendStatus()
}

func (c *Connection) addSystems(ids []int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[int32]struct{}, len(c.systems)+len(ids))
	for id := range c.systems {
		merged[id] = struct{}{}
	}
	for _, id := range ids {
		merged[id] = struct{}{}
	}
	if len(merged) > maxJoinSystems {
		return errTooMany("systems", maxJoinSystems)
	}
	c.systems = merged
	return nil
}

func (c *Connection) removeSystems(ids []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.systems, id)
	}
}

func (c *Connection) addCharacters(ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[int64]struct{}, len(c.characters)+len(ids))
	for id := range c.characters {
		merged[id] = struct{}{}
	}
	for _, id := range ids {
		merged[id] = struct{}{}
	}
	if len(merged) > maxJoinCharacters {
		return errTooMany("characters", maxJoinCharacters)
	}
	c.characters = merged
	return nil
}

func (c *Connection) removeCharacters(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.characters, id)
	}
}

func (c *Connection) snapshot() (systems []int32, characters []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.systems {
		systems = append(systems, id)
	}
	for id := range c.characters {
		characters = append(characters, id)
	}
	return systems, characters
}

func (c *Connection) sendStatus() {
	systems, characters := c.snapshot()
	c.writeJSON(serverMessage{Type: "status", Systems: systems, Characters: characters})
}

func (c *Connection) sendError(message string) {
	c.writeJSON(serverMessage{Type: "error", Error: message})
}

func (c *Connection) writeJSON(msg serverMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket outbound marshal failed", "connection_id", c.id, "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		slog.Warn("websocket send buffer full, dropping control message", "connection_id", c.id)
	}
}

// relayBroadcast filters a published killmail_update payload down to the
// killmails this connection's systems/characters actually match, and skips
// the push entirely if none match.
func (c *Connection) relayBroadcast(msg broadcaster.Message) {
	payload, ok := msg.(map[string]any)
	if !ok {
		return
	}
	kills, ok := payload["kills"].([]killmail.Killmail)
	if !ok {
		return
	}

	systems, characters := c.snapshot()
	if len(systems) == 0 && len(characters) == 0 {
		return
	}
	systemSet := make(map[int32]struct{}, len(systems))
	for _, id := range systems {
		systemSet[id] = struct{}{}
	}
	characterSet := make(map[int64]struct{}, len(characters))
	for _, id := range characters {
		characterSet[id] = struct{}{}
	}

	matched := filterKillmails(kills, systemSet, characterSet)
	if len(matched) == 0 {
		return
	}
	c.writeJSON(serverMessage{Type: "killmail_update", Killmails: matched})
}

// filterKillmails returns the subset of kills whose system is in systemSet
// or whose extracted character ids intersect characterSet. A nil/empty
// systemSet or characterSet simply never matches on that dimension.
func filterKillmails(kills []killmail.Killmail, systemSet map[int32]struct{}, characterSet map[int64]struct{}) []killmail.Killmail {
	var out []killmail.Killmail
	for _, km := range kills {
		if _, ok := systemSet[km.SystemID]; ok {
			out = append(out, km)
			continue
		}
		if len(characterSet) == 0 {
			continue
		}
		for _, charID := range km.ExtractCharacterIDs() {
			if _, ok := characterSet[charID]; ok {
				out = append(out, km)
				break
			}
		}
	}
	return out
}

func errTooMany(field string, max int) error {
	return errkind.New(errkind.Validation, field+" exceeds maximum join size")
}
