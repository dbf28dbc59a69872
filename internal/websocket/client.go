package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Client is one authenticated connection.
type Client struct {
	id       string
	identity identity.Identity
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	once     sync.Once
	gateway  *Gateway
	logger   *logrus.Entry
}

func newClient(g *Gateway, conn *websocket.Conn, id identity.Identity) *Client {
	clientID := uuid.NewString()
	return &Client{
		id:       clientID,
		identity: id,
		conn:     conn,
		send:     make(chan Message, g.config.SendBuffer),
		done:     make(chan struct{}),
		gateway:  g,
		logger: g.logger.WithFields(logrus.Fields{
			"connection_id": clientID,
			"user_id":       id.UserID,
			"user_type":     id.UserType,
		}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Identity() identity.Identity {
	return c.identity
}

func (c *Client) participant() Participant {
	return Participant{
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		UserType: c.identity.UserType,
	}
}

// enqueue hands msg to the write pump without blocking. A client whose
// buffer is full is closed; the write pump then drops the socket and the
// read pump disconnects it.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.WithField("event", msg.Type).Warn("Send buffer full, closing connection")
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket error")
			}
			return
		}
		c.gateway.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.write(message); err != nil {
				c.logger.WithError(err).Debug("Write failed")
				return
			}

			// Drain whatever queued up while writing, one frame per event.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) write(message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal WebSocket message")
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
