// Package poll is the pull-based fallback adapter. There is no live socket:
// each request refreshes a logical connection row, GET drains the replay
// buffer past a cursor and POST routes exactly like a websocket frame.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/core"
	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

const connPrefix = "poll:"

// discardSender satisfies core.Sender for polling connections. Pushed
// frames have nowhere to go; persistable traffic reaches these clients
// through the replay buffer instead, and ephemeral traffic is lost by
// design on the pull path.
type discardSender struct{}

func (discardSender) TrySend(core.Frame) error { return nil }

type Controller struct {
	Engine   *core.Engine
	Liveness time.Duration
	MaxBody  int64
}

func NewController(engine *core.Engine, liveness time.Duration, maxBody int64) *Controller {
	if liveness <= 0 {
		liveness = 30 * time.Second
	}
	if maxBody <= 0 {
		maxBody = 32768
	}
	return &Controller{Engine: engine, Liveness: liveness, MaxBody: maxBody}
}

// connID derives a stable logical connection id from the client token so
// every request from one client refreshes the same membership row.
func connID(c *gin.Context) domain.ConnectionID {
	return domain.ConnectionID(connPrefix + c.GetString("client_token"))
}

func (ctl *Controller) touch(id domain.ConnectionID) {
	reg := ctl.Engine.Registry()
	if _, ok := reg.Get(id); ok {
		reg.Touch(id)
		return
	}
	if _, err := reg.Register(id, domain.TransportPolling, discardSender{}); err != nil && !errors.Is(err, core.ErrDuplicateConnection) {
		log.Warn().Err(err).Str("module", "adapters.poll").Str("conn", string(id)).Msg("register polling connection")
	}
}

// HandleGet serves GET /sessions/:id/state?since=.
func (ctl *Controller) HandleGet(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "bad since cursor"})
		return
	}
	if !ctl.Engine.Registry().SessionExists(sid) && !ctl.Engine.Replay().Has(sid) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
		return
	}
	ctl.touch(connID(c))

	updates := ctl.Engine.Replay().Since(sid, since)
	last := since
	encoded := make([]json.RawMessage, 0, len(updates))
	for _, m := range updates {
		frame, err := m.Encode()
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.poll").Str("type", string(m.Type)).Msg("encode update")
			continue
		}
		encoded = append(encoded, json.RawMessage(frame))
		if m.Timestamp > last {
			last = m.Timestamp
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"updates":       encoded,
		"lastTimestamp": last,
	})
}

// HandlePost serves POST /sessions/:id/state with one wire message.
func (ctl *Controller) HandlePost(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, ctl.MaxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}
	msg, err := domain.Parse(body)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.poll").Msg("dropping malformed body")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed message"})
		return
	}
	// The path names the session; the body may omit it.
	msg.SessionID = sid

	// Only a join may address a session that does not exist yet.
	if msg.Type != domain.TypeJoinSession &&
		!ctl.Engine.Registry().SessionExists(sid) && !ctl.Engine.Replay().Has(sid) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
		return
	}

	id := connID(c)
	ctl.touch(id)
	if err := ctl.Engine.HandleMessage(id, msg); err != nil {
		log.Warn().Err(err).Str("module", "adapters.poll").Str("conn", string(id)).Msg("handle message")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unroutable message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RunSweeper evicts polling connections that stopped requesting. Eviction
// is a normal disconnect: membership drops and a synthetic leave goes out.
func (ctl *Controller) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(ctl.Liveness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ctl.Liveness)
			for _, id := range ctl.Engine.Registry().IdleSince(cutoff) {
				log.Info().Str("module", "adapters.poll").Str("conn", string(id)).Msg("polling connection timed out")
				ctl.Engine.Disconnect(id)
			}
		}
	}
}
