package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/core"
	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Engine     *core.Engine
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(engine *core.Engine, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Controller{Engine: engine, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// Handle upgrades the request and registers a fresh connection with no
// session; membership starts only when the client sends join-session.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		wsc.SetReadLimit(ctl.ReadLimit)
	}

	id := domain.ConnectionID(uuid.NewString())
	conn := newWSConn(wsc)
	if _, err := ctl.Engine.Registry().Register(id, domain.TransportWebSocket, conn); err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Str("conn", string(id)).Msg("register connection")
		conn.Close()
		return
	}
	log.Info().Str("module", "adapters.ws").Str("conn", string(id)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnectionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "adapters.ws").Str("conn", string(id)).Msg("readPump closing")
		// Teardown synthesizes a leave for whatever session the
		// connection was in, then forgets it.
		ctl.Engine.Disconnect(id)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(id)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(id, c, data)
		}
	}
}

// handleFrame is the inbound hook: decode once, then route through the
// shared engine dispatch. Malformed frames are dropped, not fatal.
func (ctl *Controller) handleFrame(id domain.ConnectionID, c *wsConn, data []byte) {
	msg, err := domain.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(id)).Msg("dropping malformed frame")
		return
	}

	if msg.Type == domain.TypePing {
		pong := &domain.Message{Type: domain.TypePong, Timestamp: msg.Timestamp}
		if frame, err := pong.Encode(); err == nil {
			_ = c.TrySend(frame)
		}
		return
	}

	if err := ctl.Engine.HandleMessage(id, msg); err != nil {
		if errors.Is(err, core.ErrUnroutableMessage) {
			log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(id)).Msg("dropping unroutable message")
			return
		}
		log.Error().Err(err).Str("module", "adapters.ws").Str("conn", string(id)).Msg("handle message")
	}
}
