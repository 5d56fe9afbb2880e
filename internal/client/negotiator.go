// Package client is the transport negotiator: it tries transports in
// priority order, fails over to polling, and re-joins sessions after a
// switch so application code never branches on transport mode.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

var (
	ErrTransportUnavailable = errors.New("all configured transports exhausted")
	ErrNotConnected         = errors.New("not connected")
	ErrClosed               = errors.New("negotiator closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Events is the uniform callback surface. All fields are optional; the
// same callbacks fire whichever transport is active.
type Events struct {
	OnConnect             func(mode domain.TransportMode)
	OnDisconnect          func(err error)
	OnDrawingEvent        func(msg *domain.Message)
	OnCursorMoved         func(msg *domain.Message)
	OnChatMessage         func(msg *domain.Message)
	OnUserJoined          func(msg *domain.Message)
	OnUserLeft            func(msg *domain.Message)
	OnSessionStateUpdated func(msg *domain.Message)
	OnSessionSnapshot     func(msg *domain.Message)
	OnWebRTCSignal        func(msg *domain.Message)
}

type Config struct {
	PrimaryWSURL   string
	SecondaryWSURL string
	PollingBaseURL string

	DialTimeout          time.Duration // per transport attempt, default 5s
	PollInterval         time.Duration // default 1s
	MaxReconnectAttempts int           // default 3
	Backoff              backoffConfig
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = backoffConfig{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
}

// Negotiator owns one client's transport. Create it explicitly, Connect,
// join, and Close when the controlling page/session goes away.
type Negotiator struct {
	cfg    Config
	events Events
	rng    *rand.Rand

	mu      sync.Mutex
	state   State
	tr      transport
	ctx     context.Context
	session domain.SessionID
	userID  domain.UserID
	isHost  bool
	lastTS  int64
	closed  bool
}

func NewNegotiator(cfg Config, events Events) *Negotiator {
	cfg.defaults()
	return &Negotiator{
		cfg:    cfg,
		events: events,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Mode() domain.TransportMode {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tr == nil {
		return domain.TransportNone
	}
	return n.tr.mode()
}

// Connect walks the fallback chain once: primary socket, secondary socket,
// then polling, each with the same bounded timeout. On success it re-issues
// join-session for any session joined before a transport switch.
func (n *Negotiator) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.state == StateConnected {
		n.mu.Unlock()
		return nil
	}
	n.state = StateConnecting
	n.ctx = ctx
	n.mu.Unlock()

	type candidate struct {
		label string
		dial  func() (transport, error)
	}
	var chain []candidate
	if n.cfg.PrimaryWSURL != "" {
		url := n.cfg.PrimaryWSURL
		chain = append(chain, candidate{"websocket-primary", func() (transport, error) {
			return dialWS(ctx, url, n.cfg.DialTimeout, n)
		}})
	}
	if n.cfg.SecondaryWSURL != "" {
		url := n.cfg.SecondaryWSURL
		chain = append(chain, candidate{"websocket-secondary", func() (transport, error) {
			return dialWS(ctx, url, n.cfg.DialTimeout, n)
		}})
	}
	if n.cfg.PollingBaseURL != "" {
		chain = append(chain, candidate{"polling", func() (transport, error) {
			return probePolling(ctx, n.cfg.PollingBaseURL, n.cfg.DialTimeout, n.cfg.PollInterval, n)
		}})
	}

	for _, c := range chain {
		tr, err := c.dial()
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Str("transport", c.label).Msg("transport attempt failed")
			continue
		}
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			tr.close()
			return ErrClosed
		}
		n.tr = tr
		n.state = StateConnected
		rejoin := n.session
		uid, isHost := n.userID, n.isHost
		n.mu.Unlock()

		log.Info().Str("module", "client").Str("transport", c.label).Msg("connected")
		if n.events.OnConnect != nil {
			n.events.OnConnect(tr.mode())
		}
		if rejoin != "" {
			// Rejoin is idempotent server-side; a second join only
			// refreshes membership.
			if err := n.sendJoin(rejoin, uid, isHost); err != nil {
				log.Warn().Err(err).Str("module", "client").Str("session", string(rejoin)).Msg("rejoin after transport switch")
			}
		}
		return nil
	}

	n.mu.Lock()
	n.state = StateDisconnected
	n.tr = nil
	n.mu.Unlock()
	return ErrTransportUnavailable
}

// Close disposes the negotiator. It does not send leave-session; callers
// that want a graceful exit call Leave first.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	tr := n.tr
	n.tr = nil
	n.state = StateDisconnected
	n.mu.Unlock()
	if tr != nil {
		tr.close()
	}
}

// JoinSession joins (or switches to) a session and remembers it for
// transparent rejoin after transport failover.
func (n *Negotiator) JoinSession(sid domain.SessionID, uid domain.UserID, isHost bool) error {
	n.mu.Lock()
	n.session = sid
	n.userID = uid
	n.isHost = isHost
	n.mu.Unlock()
	return n.sendJoin(sid, uid, isHost)
}

// Leave exits the current session but keeps the transport up.
func (n *Negotiator) Leave() error {
	n.mu.Lock()
	sid := n.session
	n.session = ""
	uid := n.userID
	n.mu.Unlock()
	if sid == "" {
		return nil
	}
	return n.send(&domain.Message{
		Type:      domain.TypeLeaveSession,
		SessionID: sid,
		UserID:    uid,
	})
}

func (n *Negotiator) SendDrawingEvent(event json.RawMessage) error {
	return n.sendToSession(&domain.Message{
		Type: domain.TypeDrawingEvent,
		Draw: &domain.DrawPayload{Event: event},
	})
}

func (n *Negotiator) SendCursor(x, y float64) error {
	return n.sendToSession(&domain.Message{
		Type:   domain.TypeCursorMove,
		Cursor: &domain.CursorPayload{X: x, Y: y},
	})
}

func (n *Negotiator) SendChat(id, text, userName string) error {
	return n.sendToSession(&domain.Message{
		Type: domain.TypeChatMessage,
		Chat: &domain.ChatPayload{ID: id, Text: text, UserName: userName},
	})
}

func (n *Negotiator) SendStateUpdate(state json.RawMessage) error {
	return n.sendToSession(&domain.Message{
		Type:  domain.TypeStateUpdate,
		State: &domain.StatePayload{State: state},
	})
}

func (n *Negotiator) SendSignal(signal json.RawMessage, signalType string, to domain.UserID) error {
	return n.sendToSession(&domain.Message{
		Type:   domain.TypeWebRTCSignal,
		Signal: &domain.SignalPayload{Signal: signal, SignalType: signalType, To: to},
	})
}

func (n *Negotiator) sendJoin(sid domain.SessionID, uid domain.UserID, isHost bool) error {
	return n.send(&domain.Message{
		Type:      domain.TypeJoinSession,
		SessionID: sid,
		UserID:    uid,
		Join:      &domain.JoinPayload{IsHost: isHost},
	})
}

func (n *Negotiator) sendToSession(msg *domain.Message) error {
	n.mu.Lock()
	sid, uid := n.session, n.userID
	n.mu.Unlock()
	if sid == "" {
		return ErrNotConnected
	}
	msg.SessionID = sid
	msg.UserID = uid
	return n.send(msg)
}

func (n *Negotiator) send(msg *domain.Message) error {
	n.mu.Lock()
	tr := n.tr
	if msg.Timestamp == 0 {
		msg.Timestamp = n.stampLocked()
	}
	n.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	return tr.send(msg)
}

// stampLocked tags outbound messages with a per-sender non-decreasing
// millisecond timestamp. Callers hold n.mu.
func (n *Negotiator) stampLocked() int64 {
	ts := domain.NowMillis()
	if ts < n.lastTS {
		ts = n.lastTS
	}
	n.lastTS = ts
	return ts
}

// deliver fans one inbound message to the application callbacks.
func (n *Negotiator) deliver(msg *domain.Message) {
	n.mu.Lock()
	own := n.userID
	n.mu.Unlock()

	switch msg.Type {
	case domain.TypeDrawingEvent:
		// Replay catch-up can include our own events; the sender
		// already applied them locally.
		if own != "" && msg.UserID == own {
			return
		}
		if n.events.OnDrawingEvent != nil {
			n.events.OnDrawingEvent(msg)
		}
	case domain.TypeCursorMove:
		if own != "" && msg.UserID == own {
			return
		}
		if n.events.OnCursorMoved != nil {
			n.events.OnCursorMoved(msg)
		}
	case domain.TypeChatMessage:
		if n.events.OnChatMessage != nil {
			n.events.OnChatMessage(msg)
		}
	case domain.TypeUserJoined:
		if n.events.OnUserJoined != nil {
			n.events.OnUserJoined(msg)
		}
	case domain.TypeUserLeft:
		if n.events.OnUserLeft != nil {
			n.events.OnUserLeft(msg)
		}
	case domain.TypeStateUpdate:
		if n.events.OnSessionStateUpdated != nil {
			n.events.OnSessionStateUpdated(msg)
		}
	case domain.TypeSessionState:
		if n.events.OnSessionSnapshot != nil {
			n.events.OnSessionSnapshot(msg)
		}
	case domain.TypeWebRTCSignal:
		if n.events.OnWebRTCSignal != nil {
			n.events.OnWebRTCSignal(msg)
		}
	case domain.TypePong:
		// keepalive, nothing to surface
	default:
		log.Debug().Str("module", "client").Str("type", string(msg.Type)).Msg("ignoring message")
	}
}

// transportLost runs one bounded reconnect cycle through the full fallback
// chain. After the attempts are spent the failure is terminal; the
// surrounding application decides whether to retry later.
func (n *Negotiator) transportLost(err error) {
	n.mu.Lock()
	if n.closed || n.state != StateConnected {
		n.mu.Unlock()
		return
	}
	if n.tr != nil {
		n.tr.close()
	}
	n.tr = nil
	n.state = StateDisconnected
	ctx := n.ctx
	n.mu.Unlock()

	log.Warn().Err(err).Str("module", "client").Msg("transport lost")
	if n.events.OnDisconnect != nil {
		n.events.OnDisconnect(err)
	}

	go func() {
		for attempt := 1; attempt <= n.cfg.MaxReconnectAttempts; attempt++ {
			delay := nextBackoffDelay(n.cfg.Backoff, attempt, n.rng)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := n.Connect(ctx); err == nil {
				return
			} else if errors.Is(err, ErrClosed) {
				return
			}
			log.Warn().Str("module", "client").Int("attempt", attempt).Msg("reconnect cycle failed")
		}
		if n.events.OnDisconnect != nil {
			n.events.OnDisconnect(ErrTransportUnavailable)
		}
	}()
}
