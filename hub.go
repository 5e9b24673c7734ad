package main

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection, pinned to a seat in a room. A player
// may reconnect; the newest connection wins and the old one is dropped on
// its next write failure.
type Client struct {
	conn     *websocket.Conn
	roomID   int64
	playerID string
	writeMu  sync.Mutex
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

type roomMessage struct {
	roomID  int64
	payload any
}

type playerMessage struct {
	roomID   int64
	playerID string
	payload  any
}

// Hub tracks connections per room and serializes all sends through its run
// loop. Connectivity flags in the room document are maintained here: a seat
// is connected while it has at least one live socket.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage
	direct     chan playerMessage
	done       chan struct{}
	wg         sync.WaitGroup
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 16),
		direct:     make(chan playerMessage, 16),
		done:       make(chan struct{}),
	}
}

var hub = newHub()

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			// Off the loop goroutine: setConnected broadcasts, and the
			// loop must stay free to drain its own send channels.
			go func(c *Client) {
				roomMu.Lock()
				defer roomMu.Unlock()
				setConnected(c.roomID, c.playerID, true)
			}(client)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				if !h.hasConnection(client.roomID, client.playerID) {
					go func(c *Client) {
						roomMu.Lock()
						defer roomMu.Unlock()
						setConnected(c.roomID, c.playerID, false)
					}(client)
				}
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.roomID != msg.roomID {
					continue
				}
				if err := client.writeJSON(msg.payload); err != nil {
					delete(h.clients, client)
					client.conn.Close()
				}
			}
		case msg := <-h.direct:
			for client := range h.clients {
				if client.roomID != msg.roomID || client.playerID != msg.playerID {
					continue
				}
				if err := client.writeJSON(msg.payload); err != nil {
					delete(h.clients, client)
					client.conn.Close()
				}
			}
		case <-h.done:
			for client := range h.clients {
				client.conn.Close()
				delete(h.clients, client)
			}
			return
		}
	}
}

func (h *Hub) hasConnection(roomID int64, playerID string) bool {
	for client := range h.clients {
		if client.roomID == roomID && client.playerID == playerID {
			return true
		}
	}
	return false
}

func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}
