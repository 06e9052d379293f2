package session

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/veritel/telelink/auth"
	"github.com/veritel/telelink/config"
	"github.com/veritel/telelink/proto"
)

// renewTimeout bounds a single credential renewal call against the auth
// collaborator.
const renewTimeout = 10 * time.Second

// Manager owns the one persistent session connection: authenticated
// handshake, heartbeat, reconnection with backoff, credential renewal, and
// the offline send buffer. Every inbound non-control frame is handed to
// the Dispatcher.
//
// A Manager is constructed by a single top-level owner; consumers get a
// reference, subscribe on the Dispatcher, and send through Send. Nothing
// outside the Manager mutates connection state.
type Manager struct {
	cfg    config.Config
	tokens auth.TokenSource
	dialer Dialer
	disp   *Dispatcher
	queue  *sendQueue
	roomID string

	mu          sync.Mutex
	state       ConnectionState
	conn        Conn
	gen         uint64
	attempts    int
	authRetries int
	intentional bool
	renewing    bool
	hbDone      chan struct{}
	expiryTimer *time.Timer
	retryTimer  *time.Timer

	// renewMu serializes credential renewals; a renewal already in flight
	// is never started twice, late arrivals reuse its result.
	renewMu sync.Mutex

	// writeMu serializes frame writes on the live connection.
	writeMu sync.Mutex

	lisMu     sync.Mutex
	listeners map[chan StateEvent]struct{}
}

// New creates a Manager. It does not connect; call Connect (or drive it
// through a Gate).
func New(cfg config.Config, tokens auth.TokenSource) *Manager {
	return &Manager{
		cfg:       cfg,
		tokens:    tokens,
		dialer:    NewDialer(cfg.Endpoint.DialTimeout()),
		disp:      NewDispatcher(),
		queue:     newSendQueue(cfg.Queue.Capacity),
		state:     StateDisconnected,
		listeners: make(map[chan StateEvent]struct{}),
	}
}

// SetRoom scopes the connection to a room: the room ID becomes the final
// path segment of the target address. Must be called before Connect.
func (m *Manager) SetRoom(roomID string) { m.roomID = roomID }

// Dispatcher returns the inbound frame dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.disp }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Queued returns the number of frames buffered for the next flush.
func (m *Manager) Queued() int { return m.queue.Len() }

// Subscribe returns a channel receiving state transitions and a cancel
// function that must be called on consumer teardown.
func (m *Manager) Subscribe() (chan StateEvent, func()) {
	ch := make(chan StateEvent, 16)
	m.lisMu.Lock()
	m.listeners[ch] = struct{}{}
	m.lisMu.Unlock()

	cancel := func() {
		m.lisMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.lisMu.Unlock()
	}
	return ch, cancel
}

// Connect opens the session connection. No-op when already connected or
// connecting. From any other state (including Closed after a terminal
// failure) it starts a fresh attempt with a reset backoff budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.intentional = false
	m.attempts = 0
	m.authRetries = 0
	m.stopRetryLocked()
	gen := m.nextGenLocked()
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect is the single cancellation point: it closes the live
// connection, cancels heartbeat, expiry and retry timers, drops the send
// buffer, and transitions to Closed. Events from the torn-down connection
// become no-ops.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.stopConnTimersLocked()
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	m.gen++ // stale-ify anything still in flight
	m.queue.Clear()
	m.setStateLocked(StateClosed, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send transmits a frame when connected, otherwise buffers it for the
// next flush. Returns ErrQueueFull when the buffer is at capacity and
// ErrClosed after an intentional Disconnect.
func (m *Manager) Send(f proto.Frame) error {
	if f.TS == 0 {
		f.TS = proto.NowMillis()
	}

	m.mu.Lock()
	st := m.state
	conn := m.conn
	closed := st == StateClosed && m.intentional
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if st == StateConnected && conn != nil {
		if err := m.write(conn, f); err != nil {
			// The connection is going down; the read loop will notice.
			// Keep the frame for the post-reconnect flush.
			return m.queue.Enqueue(f)
		}
		return nil
	}
	return m.queue.Enqueue(f)
}

// dial runs one connection attempt for generation gen.
func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Endpoint.DialTimeout())
	defer cancel()

	cred, err := m.freshCredential(ctx)
	if err != nil {
		log.Errorf("connect: %v", err)
		m.fail(gen, ErrReauthRequired)
		return
	}

	// The token travels as a handshake subprotocol entry, never in the
	// URL — addresses end up in proxy and server logs.
	subprotocols := []string{m.cfg.Endpoint.Subprotocol, "bearer." + cred.AccessToken}
	conn, err := m.dialer.DialContext(ctx, m.targetURL(), subprotocols)
	if err != nil {
		log.Warnf("dial %s: %v", m.targetURL(), err)
		m.scheduleRetry(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.authRetries = 0
	m.hbDone = make(chan struct{})
	hbDone := m.hbDone
	m.armExpiryLocked(gen, cred)
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	go m.heartbeat(gen, hbDone)
	go m.readLoop(conn, gen)

	if err := m.queue.Flush(func(f proto.Frame) error { return m.write(conn, f) }); err != nil {
		log.Debugf("flush interrupted, %d frames kept: %v", m.queue.Len(), err)
	}
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.handleFrame(conn, gen, f)
	}
}

func (m *Manager) handleFrame(conn Conn, gen uint64, f proto.Frame) {
	switch f.Type {
	case proto.TypePing:
		// Control echo. Never reaches the dispatcher.
		_ = m.write(conn, proto.Frame{Type: proto.TypePong, TS: proto.NowMillis()})
		return
	case proto.TypePong:
		return
	case proto.TypeAuthWarning:
		log.Infof("server auth warning, renewing credential")
		m.renewAsync()
	}

	m.disp.Route(f)

	// Frame cycle done — renew proactively if the credential is close to
	// expiry, so the next reconnect never starts with a dead token.
	if m.tokens.Credential().ExpiresWithin(m.cfg.Auth.RefreshBuffer()) {
		m.renewAsync()
	}
}

// handleClose classifies a connection loss for generation gen. Stale
// generations are ignored so a replaced connection cannot double-trigger
// reconnects.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopConnTimersLocked()
	m.conn = nil

	if m.intentional {
		m.setStateLocked(StateClosed, nil)
		m.mu.Unlock()
		return
	}

	var ce *CloseError
	if errors.As(cause, &ce) && proto.IsAuthClose(ce.Code) {
		if m.authRetries >= 1 {
			// Renewed once already and the server still rejects the
			// credential — give up instead of looping.
			m.setStateLocked(StateClosed, ErrReauthRequired)
			m.mu.Unlock()
			return
		}
		m.authRetries++
		m.setStateLocked(StateReconnecting, nil)
		m.mu.Unlock()
		go m.recoverAuth(gen)
		return
	}

	m.setStateLocked(StateReconnecting, nil)
	m.mu.Unlock()
	log.Warnf("connection lost: %v", cause)
	m.scheduleRetry(gen)
}

// recoverAuth handles an auth-failure close: exactly one forced renewal,
// then a reconnect with the fresh credential. Renewal failure is terminal
// — no backoff timer is scheduled.
func (m *Manager) recoverAuth(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	if _, err := m.tokens.Renew(ctx); err != nil {
		log.Errorf("credential renewal after auth close failed: %v", err)
		m.fail(gen, ErrReauthRequired)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	next := m.nextGenLocked()
	m.mu.Unlock()
	m.dial(next)
}

// scheduleRetry arms the backoff timer for the next attempt, or gives up
// with a single terminal event once the budget is spent.
func (m *Manager) scheduleRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.cfg.Backoff.MaxAttempts {
		m.setStateLocked(StateClosed, ErrRetriesExhausted)
		m.mu.Unlock()
		log.Errorf("giving up after %d reconnect attempts", m.cfg.Backoff.MaxAttempts)
		return
	}
	attempt := m.attempts
	delay := m.backoffDelay(attempt)
	m.setStateLocked(StateReconnecting, nil)
	next := m.nextGenLocked()
	m.retryTimer = time.AfterFunc(delay, func() { m.dial(next) })
	m.mu.Unlock()

	log.Infof("reconnect attempt %d/%d in %s", attempt, m.cfg.Backoff.MaxAttempts, delay)
}

// backoffDelay returns min(base*2^n, cap) plus up to 1s of jitter for the
// 1-indexed attempt n.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := m.cfg.Backoff.Base()
	ceil := m.cfg.Backoff.Cap()
	d := base << uint(attempt)
	if d <= 0 || d > ceil {
		d = ceil
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

// rotate swaps the live connection for one opened with a fresh
// credential. Fired by the expiry timer so even an idle connection never
// rides its token into expiry. The renewal is forced: the timer fires
// while the credential still has lifetime left, so the refresh-buffer
// check would decline and the swap would reuse the old token.
func (m *Manager) rotate(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	m.renewMu.Lock()
	_, err := m.tokens.Renew(ctx)
	m.renewMu.Unlock()
	if err != nil {
		log.Errorf("scheduled credential renewal failed: %v", err)
		m.fail(gen, ErrReauthRequired)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopConnTimersLocked()
	next := m.nextGenLocked()
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.dial(next)
}

// renewAsync starts a guarded background renewal when the credential is
// inside the refresh buffer. A renewal already in flight is not started
// twice.
func (m *Manager) renewAsync() {
	m.mu.Lock()
	if m.renewing {
		m.mu.Unlock()
		return
	}
	m.renewing = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.renewing = false
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		defer cancel()
		if _, err := m.freshCredential(ctx); err != nil {
			log.Warnf("proactive credential renewal failed: %v", err)
		}
	}()
}

// freshCredential returns a credential with comfortable remaining
// lifetime, renewing through the auth collaborator when needed. Renewals
// are serialized; a caller that lost the race re-reads the fresh result
// instead of renewing again.
func (m *Manager) freshCredential(ctx context.Context) (auth.Credential, error) {
	cred := m.tokens.Credential()
	if cred.Valid() && !cred.ExpiresWithin(m.cfg.Auth.RefreshBuffer()) {
		return cred, nil
	}

	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	cred = m.tokens.Credential()
	if cred.Valid() && !cred.ExpiresWithin(m.cfg.Auth.RefreshBuffer()) {
		return cred, nil
	}
	return m.tokens.Renew(ctx)
}

func (m *Manager) heartbeat(gen uint64, done chan struct{}) {
	t := time.NewTicker(m.cfg.Heartbeat.Interval())
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			m.mu.Lock()
			conn := m.conn
			live := gen == m.gen && m.state == StateConnected
			m.mu.Unlock()
			if !live || conn == nil {
				return
			}
			if err := m.write(conn, proto.Frame{Type: proto.TypePing, TS: proto.NowMillis()}); err != nil {
				log.Debugf("heartbeat write failed: %v", err)
				return
			}
		}
	}
}

// fail transitions to Closed with a terminal cause. Stale generations are
// ignored so the event fires at most once, and the current generation is
// retired so the closing connection's read error cannot restart the
// reconnect loop.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopConnTimersLocked()
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	m.gen++ // stale-ify anything still in flight
	m.setStateLocked(StateClosed, cause)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) write(conn Conn, f proto.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteFrame(f)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) nextGenLocked() uint64 {
	m.gen++
	return m.gen
}

func (m *Manager) setStateLocked(next ConnectionState, cause error) {
	if m.state == next && cause == nil {
		return
	}
	evt := StateEvent{Old: m.state, New: next, Err: cause}
	m.state = next

	m.lisMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.lisMu.Unlock()
}

func (m *Manager) armExpiryLocked(gen uint64, cred auth.Credential) {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
	d := time.Until(cred.ExpiresAt.Add(-m.cfg.Auth.RenewAhead()))
	if d < time.Second {
		d = time.Second
	}
	m.expiryTimer = time.AfterFunc(d, func() { m.rotate(gen) })
}

func (m *Manager) stopConnTimersLocked() {
	if m.hbDone != nil {
		close(m.hbDone)
		m.hbDone = nil
	}
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// targetURL builds the connection address: base endpoint + session path,
// plus the room segment for room-scoped connections. Deterministic, and
// free of credentials.
func (m *Manager) targetURL() string {
	u := strings.TrimRight(m.cfg.Endpoint.BaseURL, "/") + m.cfg.Endpoint.Path
	if m.roomID != "" {
		u += "/" + url.PathEscape(m.roomID)
	}
	return u
}
