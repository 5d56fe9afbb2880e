package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

// transport is the narrow contract the negotiator drives. Both
// implementations deliver inbound messages through the same sink, which is
// what makes transport switches invisible to application code.
type transport interface {
	mode() domain.TransportMode
	send(msg *domain.Message) error
	close()
}

// messageSink receives inbound traffic and transport-loss notifications.
type messageSink interface {
	deliver(msg *domain.Message)
	transportLost(err error)
}

// --- duplex socket transport ---

type wsTransport struct {
	conn *websocket.Conn
	sink messageSink

	mu     sync.Mutex
	closed bool
}

func dialWS(ctx context.Context, url string, timeout time.Duration, sink messageSink) (*wsTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	t := &wsTransport{conn: conn, sink: sink}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) mode() domain.TransportMode { return domain.TransportWebSocket }

func (t *wsTransport) send(msg *domain.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	_ = t.conn.Close()
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasClosed := t.closed
			t.mu.Unlock()
			if !wasClosed {
				t.sink.transportLost(err)
			}
			return
		}
		msg, err := domain.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping malformed frame")
			continue
		}
		t.sink.deliver(msg)
	}
}

// --- polling transport ---

type pollResponse struct {
	Success       bool              `json:"success"`
	Updates       []json.RawMessage `json:"updates"`
	LastTimestamp int64             `json:"lastTimestamp"`
}

type pollTransport struct {
	base     string
	http     *http.Client
	sink     messageSink
	interval time.Duration
	cancel   context.CancelFunc

	mu      sync.Mutex
	session domain.SessionID
	cursor  int64
	closed  bool
}

// probePolling confirms the polling endpoint is reachable before the
// negotiator commits to the mode.
func probePolling(ctx context.Context, base string, timeout time.Duration, interval time.Duration, sink messageSink) (*pollTransport, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: timeout, Jar: jar}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(base, "/")+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", base, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("probe %s: status %d", base, resp.StatusCode)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	t := &pollTransport{
		base:     strings.TrimRight(base, "/"),
		http:     hc,
		sink:     sink,
		interval: interval,
		cancel:   loopCancel,
	}
	go t.pollLoop(loopCtx)
	return t, nil
}

func (t *pollTransport) mode() domain.TransportMode { return domain.TransportPolling }

func (t *pollTransport) send(msg *domain.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	switch msg.Type {
	case domain.TypeJoinSession:
		t.session = msg.SessionID
	case domain.TypeLeaveSession:
		t.session = ""
	}
	t.mu.Unlock()

	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/sessions/%s/state", t.base, msg.SessionID)
	resp, err := t.http.Post(url, "application/json", strings.NewReader(string(frame)))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
}

func (t *pollTransport) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			sid, cursor, closed := t.session, t.cursor, t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if sid == "" {
				continue
			}
			if err := t.pollOnce(sid, cursor); err != nil {
				failures++
				log.Warn().Err(err).Str("module", "client").Int("failures", failures).Msg("poll failed")
				if failures >= 3 {
					t.sink.transportLost(err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (t *pollTransport) pollOnce(sid domain.SessionID, cursor int64) error {
	url := fmt.Sprintf("%s/sessions/%s/state?since=%d", t.base, sid, cursor)
	resp, err := t.http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return err
	}
	for _, raw := range pr.Updates {
		msg, err := domain.Parse(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping malformed update")
			continue
		}
		t.sink.deliver(msg)
	}
	if pr.LastTimestamp > cursor {
		t.mu.Lock()
		if pr.LastTimestamp > t.cursor {
			t.cursor = pr.LastTimestamp
		}
		t.mu.Unlock()
	}
	return nil
}
