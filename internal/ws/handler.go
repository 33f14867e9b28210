package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/listening-party-system/internal/party"
	"github.com/listening-party-system/pkg/models"
)

// Actions are the party operations reachable from a websocket.
type Actions interface {
	Join(ctx context.Context, partyID, participantID, connID string) error
	RequestPlay(ctx context.Context, partyID, participantID string) error
	CastVote(ctx context.Context, songID, participantID string, value int) error
	RequestAdvance(ctx context.Context, partyID, participantID string) error
	AddSong(ctx context.Context, partyID, participantID string, track models.Track) error
	RequestEnd(ctx context.Context, partyID, participantID string) error
	Disconnect(ctx context.Context, connID string) error
}

type Config struct {
	// AllowedOrigins lists browser origins accepted on upgrade. Empty or "*"
	// accepts any origin.
	AllowedOrigins []string
	// MessageRate caps inbound messages per second and connection.
	MessageRate   float64
	ActionTimeout time.Duration
}

type Handler struct {
	hub      *Hub
	actions  Actions
	upgrader websocket.Upgrader
	rate     rate.Limit
	burst    int
	timeout  time.Duration
}

func NewHandler(hub *Hub, actions Actions, cfg Config) *Handler {
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 10
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	burst := int(cfg.MessageRate)
	if burst < 1 {
		burst = 1
	}

	return &Handler{
		hub:     hub,
		actions: actions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		rate:    rate.Limit(cfg.MessageRate),
		burst:   burst,
		timeout: cfg.ActionTimeout,
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(set) == 0 || origin == "" || set[origin]
	}
}

// HandleWebSocket upgrades an authenticated request and serves the
// connection until it closes.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	participantID := c.GetString("participant_id")
	partyID := c.GetString("party_id")
	if participantID == "" || partyID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing participant token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws.handler").Msg("failed to upgrade connection")
		return
	}

	conn := newConn(uuid.NewString(), participantID, partyID, ws, rate.NewLimiter(h.rate, h.burst))
	h.hub.register(conn)
	conn.logger.Debug().Msg("connected")

	go conn.writePump()
	h.readPump(conn)
}

func (h *Handler) readPump(c *Conn) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Debug().Msg("rate limited, dropping message")
			continue
		}
		h.dispatch(c, raw)
	}
}

func (h *Handler) disconnect(c *Conn) {
	joined := h.hub.joined(c)
	h.hub.unregister(c)
	c.close()
	c.logger.Debug().Msg("disconnected")

	if !joined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.actions.Disconnect(ctx, c.id); err != nil {
		h.logResult(c, "disconnect", err)
	}
}

// dispatch runs one client command. Invalid or unauthorized commands are
// dropped without a reply.
func (h *Handler) dispatch(c *Conn, raw []byte) {
	event, cmd, err := decodeCommand(raw)
	if err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("dropping message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch cmd := cmd.(type) {
	case *PartyCommand:
		if !h.owns(c, cmd.PartyID, cmd.ParticipantID) {
			return
		}
		switch event {
		case CommandJoin:
			h.hub.bind(c, cmd.PartyID)
			if err = h.actions.Join(ctx, cmd.PartyID, cmd.ParticipantID, c.id); err != nil {
				h.hub.unbind(c)
			}
		case CommandPlay:
			err = h.actions.RequestPlay(ctx, cmd.PartyID, cmd.ParticipantID)
		case CommandNext:
			err = h.actions.RequestAdvance(ctx, cmd.PartyID, cmd.ParticipantID)
		case CommandEnd:
			err = h.actions.RequestEnd(ctx, cmd.PartyID, cmd.ParticipantID)
		}
	case *VoteCommand:
		if cmd.ParticipantID != c.participantID {
			c.logger.Debug().Str("event", event).Msg("participant mismatch, dropping")
			return
		}
		err = h.actions.CastVote(ctx, cmd.SongID, cmd.ParticipantID, cmd.Value)
	case *AddSongCommand:
		if !h.owns(c, cmd.PartyID, cmd.ParticipantID) {
			return
		}
		err = h.actions.AddSong(ctx, cmd.PartyID, cmd.ParticipantID, cmd.Song.Track())
	}

	if err != nil {
		h.logResult(c, event, err)
	}
}

// owns reports whether the command targets the token's own party and
// participant.
func (h *Handler) owns(c *Conn, partyID, participantID string) bool {
	if partyID == c.tokenParty && participantID == c.participantID {
		return true
	}
	c.logger.Debug().Str("party_id", partyID).Msg("command outside token scope, dropping")
	return false
}

func (h *Handler) logResult(c *Conn, event string, err error) {
	if party.Dropped(err) {
		c.logger.Debug().Err(err).Str("event", event).Msg("action dropped")
		return
	}
	c.logger.Error().Err(err).Str("event", event).Msg("action failed")
}
