package signal

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one websocket peer of the relay: the streamer or a player.
type client struct {
	conn     *websocket.Conn
	playerID string // empty for the streamer
	send     chan []byte
	relay    *Relay
	once     sync.Once
}

// Relay is a minimal Cirrus-compatible signalling server for local
// development. One streamer connects on /streamer, players connect on /.
type Relay struct {
	options  PeerConnectionOptions
	streamer *client
	players  map[string]*client
	nextID   int
	mu       sync.RWMutex
	upgrader websocket.Upgrader
}

// NewRelay creates a relay that hands opts to every player in its config
// message.
func NewRelay(opts PeerConnectionOptions) *Relay {
	return &Relay{
		options: opts,
		players: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/streamer", r.HandleStreamer)
	mux.HandleFunc("/", r.HandlePlayer)
	return mux
}

// ListenAndServe starts the relay on addr.
func (r *Relay) ListenAndServe(addr string) error {
	log.Printf("Signalling relay starting on %s", addr)
	return http.ListenAndServe(addr, r.Handler())
}

// PlayerCount returns the number of connected players.
func (r *Relay) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// HandleStreamer upgrades the streamer connection. A second streamer
// replaces the first.
func (r *Relay) HandleStreamer(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Streamer upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256), relay: r}

	r.mu.Lock()
	old := r.streamer
	r.streamer = c
	players := make([]*client, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	r.mu.Unlock()

	if old != nil {
		old.closeWith(websocket.CloseNormalClosure, "Replaced by new streamer")
	}
	log.Printf("Streamer connected")

	go c.writePump()
	for _, p := range players {
		c.sendJSON(Message{Type: TypePlayerConnected, PlayerID: p.playerID})
	}
	go c.readPump()
}

// HandlePlayer upgrades a player connection, sends it the peer connection
// options and announces it to the streamer.
func (r *Relay) HandlePlayer(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Player upgrade failed: %v", err)
		return
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("%d", r.nextID)
	c := &client{conn: conn, playerID: id, send: make(chan []byte, 256), relay: r}
	r.players[id] = c
	streamer := r.streamer
	r.mu.Unlock()

	log.Printf("Player %s connected", id)
	go c.writePump()

	opts, _ := json.Marshal(r.options)
	c.sendJSON(Message{Type: TypeConfig, PeerConnectionOptions: opts})
	if streamer != nil {
		streamer.sendJSON(Message{Type: TypePlayerConnected, PlayerID: id})
	}
	r.broadcastPlayerCount()

	go c.readPump()
}

func (r *Relay) removeClient(c *client) {
	r.mu.Lock()
	var players []*client
	isStreamer := c.playerID == ""
	if isStreamer {
		if r.streamer == c {
			r.streamer = nil
			for _, p := range r.players {
				players = append(players, p)
			}
		}
	} else {
		delete(r.players, c.playerID)
	}
	streamer := r.streamer
	r.mu.Unlock()

	if isStreamer {
		log.Printf("Streamer disconnected")
		for _, p := range players {
			p.closeWith(websocket.CloseInternalServerErr, "Streamer disconnected")
		}
		return
	}

	log.Printf("Player %s disconnected", c.playerID)
	if streamer != nil {
		streamer.sendJSON(Message{Type: TypePlayerDisconnected, PlayerID: c.playerID})
	}
	r.broadcastPlayerCount()
}

func (r *Relay) broadcastPlayerCount() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg := Message{Type: TypePlayerCount, Count: len(r.players)}
	for _, p := range r.players {
		p.sendJSON(msg)
	}
}

func (r *Relay) player(id string) *client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.players[id]
}

func (r *Relay) currentStreamer() *client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamer
}

// readPump reads messages from the websocket
func (c *client) readPump() {
	defer func() {
		c.relay.removeClient(c)
		c.shutdown()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		if c.playerID == "" {
			c.relay.fromStreamer(msg)
		} else {
			c.relay.fromPlayer(c, msg)
		}
	}
}

// writePump sends queued messages to the websocket
func (c *client) writePump() {
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
}

func (c *client) sendJSON(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode %s: %v", msg.Type, err)
		return
	}
	defer func() {
		// send is closed once the client shuts down.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		log.Printf("Dropping %s: send buffer full", msg.Type)
	}
}

func (c *client) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// fromStreamer routes a streamer message to the player it names.
func (r *Relay) fromStreamer(msg Message) {
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypePeerDataChannels:
		p := r.player(msg.PlayerID)
		if p == nil {
			log.Printf("Streamer %s for unknown player %q", msg.Type, msg.PlayerID)
			return
		}
		msg.PlayerID = ""
		p.sendJSON(msg)
	case "disconnectPlayer":
		if p := r.player(msg.PlayerID); p != nil {
			p.closeWith(websocket.CloseNormalClosure, msg.Warning)
		}
	case "ping", "pong":
	default:
		log.Printf("Unsupported streamer message type: %s", msg.Type)
	}
}

// fromPlayer tags a player message with its id and forwards it to the
// streamer.
func (r *Relay) fromPlayer(c *client, msg Message) {
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeDataChannelRequest, TypePeerDataChannelsReady:
		streamer := r.currentStreamer()
		if streamer == nil {
			log.Printf("Player %s sent %s with no streamer connected", c.playerID, msg.Type)
			return
		}
		msg.PlayerID = c.playerID
		streamer.sendJSON(msg)
	case TypeStats:
		log.Printf("Player %s stats: %s", c.playerID, string(msg.Data))
	default:
		log.Printf("Unsupported player message type: %s", msg.Type)
	}
}
