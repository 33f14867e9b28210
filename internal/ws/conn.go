package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// Conn is one client websocket. The participant and party come from the
// bearer token presented on upgrade.
type Conn struct {
	id            string
	participantID string
	tokenParty    string
	ws            *websocket.Conn
	send          chan []byte
	done          chan struct{}
	once          sync.Once
	limiter       *rate.Limiter
	logger        zerolog.Logger

	// party is the joined room, guarded by the hub lock.
	party string
}

func newConn(id, participantID, partyID string, ws *websocket.Conn, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:            id,
		participantID: participantID,
		tokenParty:    partyID,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		limiter:       limiter,
		logger: log.With().
			Str("module", "ws.conn").
			Str("conn_id", id).
			Str("participant_id", participantID).
			Logger(),
	}
}

func (c *Conn) ID() string { return c.id }

// enqueue queues a frame without blocking. Frames for a slow client are
// dropped.
func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn().Msg("send buffer full, dropping frame")
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
