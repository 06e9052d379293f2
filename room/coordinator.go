package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/veritel/telelink/config"
	"github.com/veritel/telelink/proto"
	"github.com/veritel/telelink/session"
)

var log = logging.Logger("telelink/room")

// sweepInterval is how often expired remote typing entries are purged.
// An entry is logically absent the instant its window elapses; the sweep
// only exists to emit the stopped event and free the map slot.
const sweepInterval = 500 * time.Millisecond

// Transport is the only surface the coordinator needs from the session
// layer for outbound traffic.
type Transport interface {
	Send(proto.Frame) error
}

type roomState struct {
	participants map[string]*Participant
	typing       map[string]time.Time // userID → expiry
	history      *messageRing

	// Local typing debounce: one timer per room, re-armed on every
	// StartTyping call.
	typingTimer *time.Timer
	localTyping bool
}

// Coordinator owns the participant set, typing entries, media state and
// recent chat tail for every joined room. It consumes room, presence and
// chat channels from the dispatcher and fans changes out to its own
// subscribers.
type Coordinator struct {
	tr       Transport
	selfID   string
	username string
	role     string
	typing   config.Typing
	history  config.History

	mu    sync.Mutex
	rooms map[string]*roomState

	handles []session.Handle
	disp    *session.Dispatcher
	done    chan struct{}

	lisMu     sync.Mutex
	listeners map[chan Event]struct{}

	removedMu sync.Mutex
	onRemoved func(roomID string)
}

// New builds a Coordinator, registers its dispatcher subscriptions, and
// starts the typing sweep. Close must be called on teardown — the
// dispatcher subscriptions are released there.
func New(tr Transport, disp *session.Dispatcher, selfID, username, role string, cfg config.Config) *Coordinator {
	c := &Coordinator{
		tr:        tr,
		selfID:    selfID,
		username:  username,
		role:      role,
		typing:    cfg.Typing,
		history:   cfg.History,
		rooms:     make(map[string]*roomState),
		disp:      disp,
		done:      make(chan struct{}),
		listeners: make(map[chan Event]struct{}),
	}
	c.handles = append(c.handles,
		disp.Subscribe(session.ChannelRoom, c.onRoomFrame),
		disp.Subscribe(session.ChannelPresence, c.onPresenceFrame),
		disp.Subscribe(session.ChannelChat, c.onChatFrame),
	)
	go c.sweepLoop()
	return c
}

// Subscribe returns a channel receiving room events and its cancel
// function.
func (c *Coordinator) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
	c.lisMu.Lock()
	c.listeners[ch] = struct{}{}
	c.lisMu.Unlock()

	cancel := func() {
		c.lisMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.lisMu.Unlock()
	}
	return ch, cancel
}

// OnRemoved registers the policy hook fired when a kick addressed to the
// local user arrives. The transport does not enforce the removal; the
// owner decides what to do (typically Disconnect and navigate away).
func (c *Coordinator) OnRemoved(fn func(roomID string)) {
	c.removedMu.Lock()
	c.onRemoved = fn
	c.removedMu.Unlock()
}

// JoinRoom announces join intent. The participant set fills in as the
// server acknowledges with user_joined events.
func (c *Coordinator) JoinRoom(roomID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.rooms[roomID] = &roomState{
			participants: make(map[string]*Participant),
			typing:       make(map[string]time.Time),
			history:      newMessageRing(c.history.Buffer),
		}
	}
	c.mu.Unlock()

	return c.tr.Send(proto.Frame{
		Type:     proto.TypeJoinRoom,
		RoomID:   roomID,
		UserID:   c.selfID,
		Username: c.username,
		Role:     c.role,
	})
}

// LeaveRoom announces the leave and drops all local state for the room.
func (c *Coordinator) LeaveRoom(roomID string) error {
	c.mu.Lock()
	if rs, ok := c.rooms[roomID]; ok {
		if rs.typingTimer != nil {
			rs.typingTimer.Stop()
		}
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	return c.tr.Send(proto.Frame{Type: proto.TypeLeaveRoom, RoomID: roomID, UserID: c.selfID})
}

// SendMessage sends a chat message into the room. The local timeline is
// updated when the server echoes the frame back, keeping one ordering for
// everyone.
func (c *Coordinator) SendMessage(roomID, content string) error {
	return c.tr.Send(proto.Frame{
		Type:     proto.TypeChatMessage,
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   c.selfID,
		Username: c.username,
		Content:  content,
	})
}

// StartTyping sends the typing-start frame (once) and re-arms the
// debounce timer that sends typing-stop after input goes quiet.
func (c *Coordinator) StartTyping(roomID string) {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	first := !rs.localTyping
	rs.localTyping = true
	if rs.typingTimer != nil {
		rs.typingTimer.Stop()
	}
	rs.typingTimer = time.AfterFunc(c.typing.Debounce(), func() { c.StopTyping(roomID) })
	c.mu.Unlock()

	if first {
		_ = c.tr.Send(proto.Frame{Type: proto.TypeUserTyping, RoomID: roomID, UserID: c.selfID})
	}
}

// StopTyping cancels the debounce and sends typing-stop if a start was
// announced. Safe to call when not typing.
func (c *Coordinator) StopTyping(roomID string) {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	if !ok || !rs.localTyping {
		c.mu.Unlock()
		return
	}
	rs.localTyping = false
	if rs.typingTimer != nil {
		rs.typingTimer.Stop()
		rs.typingTimer = nil
	}
	c.mu.Unlock()

	_ = c.tr.Send(proto.Frame{Type: proto.TypeUserStoppedTyping, RoomID: roomID, UserID: c.selfID})
}

// SetMedia announces the local media state and mirrors it on the local
// participant entry.
func (c *Coordinator) SetMedia(roomID string, media proto.MediaState) error {
	c.mu.Lock()
	if rs, ok := c.rooms[roomID]; ok {
		if p, ok := rs.participants[c.selfID]; ok {
			p.Media = media
		}
	}
	c.mu.Unlock()

	return c.tr.Send(proto.Frame{
		Type:   proto.TypeMediaStateChange,
		RoomID: roomID,
		UserID: c.selfID,
		Media:  &media,
	})
}

// RaiseHand announces the hand-raise flag.
func (c *Coordinator) RaiseHand(roomID string, raised bool) error {
	c.mu.Lock()
	if rs, ok := c.rooms[roomID]; ok {
		if p, ok := rs.participants[c.selfID]; ok {
			p.HandRaised = raised
		}
	}
	c.mu.Unlock()

	return c.tr.Send(proto.Frame{
		Type:       proto.TypeHandRaise,
		RoomID:     roomID,
		UserID:     c.selfID,
		HandRaised: &raised,
	})
}

// UpdateStatus broadcasts a presence status line ("available", "busy").
func (c *Coordinator) UpdateStatus(status string) error {
	return c.tr.Send(proto.Frame{Type: proto.TypeUpdateStatus, UserID: c.selfID, Status: status})
}

// Kick sends a moderator removal for userID. Server-side policy decides
// whether the caller is allowed.
func (c *Coordinator) Kick(roomID, userID string) error {
	return c.tr.Send(proto.Frame{Type: proto.TypeKickUser, RoomID: roomID, UserID: c.selfID, ToUserID: userID})
}

// Participants returns a snapshot of the room's participant set.
func (c *Coordinator) Participants(roomID string) []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Participant, 0, len(rs.participants))
	for _, p := range rs.participants {
		out = append(out, *p)
	}
	return out
}

// TypingUsers returns the users currently typing in the room. Entries
// past their expiry are absent even if the sweep has not purged them yet.
func (c *Coordinator) TypingUsers(roomID string) []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rs.typing))
	for id, expiry := range rs.typing {
		if expiry.After(now) {
			out = append(out, id)
		}
	}
	return out
}

// History returns the recent chat tail for the room, oldest first.
func (c *Coordinator) History(roomID string) []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return rs.history.snapshot()
}

// Close releases the dispatcher subscriptions, stops the sweep and all
// room timers, and closes subscriber channels.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	for _, h := range c.handles {
		c.disp.Unsubscribe(h)
	}

	c.mu.Lock()
	for _, rs := range c.rooms {
		if rs.typingTimer != nil {
			rs.typingTimer.Stop()
		}
	}
	c.rooms = make(map[string]*roomState)
	c.mu.Unlock()

	c.lisMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan Event]struct{})
	c.lisMu.Unlock()
}

func (c *Coordinator) onRoomFrame(f proto.Frame) {
	switch f.Type {
	case proto.TypeUserJoined:
		c.handleJoined(f)
	case proto.TypeUserLeft:
		c.handleLeft(f)
	case proto.TypeMediaStateChange:
		c.handleMedia(f)
	case proto.TypeHandRaise:
		c.handleHandRaise(f)
	case proto.TypeKickUser:
		c.handleKick(f)
	}
}

func (c *Coordinator) onPresenceFrame(f proto.Frame) {
	switch f.Type {
	case proto.TypeUserTyping:
		c.handleTyping(f)
	case proto.TypeUserStoppedTyping:
		c.handleTypingStopped(f)
	case proto.TypeUpdateStatus:
		c.handleStatus(f)
	}
}

func (c *Coordinator) onChatFrame(f proto.Frame) {
	if f.Type != proto.TypeChatMessage || f.RoomID == "" {
		return
	}
	msg := ChatMessage{
		ID:       f.ID,
		RoomID:   f.RoomID,
		UserID:   f.UserID,
		Username: f.Username,
		Content:  f.Content,
		TS:       f.TS,
	}

	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if ok {
		rs.history.add(msg)
		// A message is the strongest possible typing-stop.
		delete(rs.typing, f.UserID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.emit(Event{Type: EventMessage, RoomID: f.RoomID, UserID: f.UserID, Message: &msg})
}

func (c *Coordinator) handleJoined(f proto.Frame) {
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p, exists := rs.participants[f.UserID]
	if !exists {
		// Media defaults to everything off until the participant says
		// otherwise.
		p = &Participant{UserID: f.UserID, JoinedAt: time.Now()}
		rs.participants[f.UserID] = p
	}
	p.Username = f.Username
	p.Role = f.Role
	if f.Media != nil {
		p.Media = *f.Media
	}
	if f.Quality != "" {
		p.Quality = f.Quality
	}
	snapshot := *p
	c.mu.Unlock()

	log.Debugf("user %s joined room %s", f.UserID, f.RoomID)
	c.emit(Event{Type: EventJoined, RoomID: f.RoomID, UserID: f.UserID, Participant: &snapshot})
}

func (c *Coordinator) handleLeft(f proto.Frame) {
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if ok {
		delete(rs.participants, f.UserID)
		delete(rs.typing, f.UserID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	log.Debugf("user %s left room %s", f.UserID, f.RoomID)
	c.emit(Event{Type: EventLeft, RoomID: f.RoomID, UserID: f.UserID})
}

func (c *Coordinator) handleMedia(f proto.Frame) {
	if f.Media == nil {
		return
	}
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p, ok := rs.participants[f.UserID]
	if !ok {
		c.mu.Unlock()
		return
	}
	// Latest frame wins; no versioning beyond arrival order.
	p.Media = *f.Media
	if f.Quality != "" {
		p.Quality = f.Quality
	}
	snapshot := *p
	c.mu.Unlock()

	c.emit(Event{Type: EventMedia, RoomID: f.RoomID, UserID: f.UserID, Participant: &snapshot})
}

func (c *Coordinator) handleHandRaise(f proto.Frame) {
	if f.HandRaised == nil {
		return
	}
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p, ok := rs.participants[f.UserID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.HandRaised = *f.HandRaised
	snapshot := *p
	c.mu.Unlock()

	c.emit(Event{Type: EventHandRaise, RoomID: f.RoomID, UserID: f.UserID, Participant: &snapshot})
}

func (c *Coordinator) handleKick(f proto.Frame) {
	if f.ToUserID == c.selfID {
		log.Infof("removed from room %s by moderator", f.RoomID)
		c.emit(Event{Type: EventRemoved, RoomID: f.RoomID, UserID: c.selfID})
		c.removedMu.Lock()
		fn := c.onRemoved
		c.removedMu.Unlock()
		if fn != nil {
			fn(f.RoomID)
		}
		return
	}

	c.mu.Lock()
	if rs, ok := c.rooms[f.RoomID]; ok {
		delete(rs.participants, f.ToUserID)
		delete(rs.typing, f.ToUserID)
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventLeft, RoomID: f.RoomID, UserID: f.ToUserID})
}

func (c *Coordinator) handleTyping(f proto.Frame) {
	if f.UserID == c.selfID {
		return
	}
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	if ok {
		rs.typing[f.UserID] = time.Now().Add(c.typing.Window())
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.emit(Event{Type: EventTyping, RoomID: f.RoomID, UserID: f.UserID})
}

func (c *Coordinator) handleTypingStopped(f proto.Frame) {
	c.mu.Lock()
	rs, ok := c.rooms[f.RoomID]
	present := false
	if ok {
		_, present = rs.typing[f.UserID]
		delete(rs.typing, f.UserID)
	}
	c.mu.Unlock()
	if !present {
		return
	}
	c.emit(Event{Type: EventTypingStopped, RoomID: f.RoomID, UserID: f.UserID})
}

func (c *Coordinator) handleStatus(f proto.Frame) {
	c.mu.Lock()
	for _, rs := range c.rooms {
		if p, ok := rs.participants[f.UserID]; ok {
			p.Status = f.Status
		}
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventStatus, UserID: f.UserID, Status: f.Status})
}

// sweepLoop purges expired typing entries. The expiry is the only
// liveness guarantee: a remote stop event lost to a dropped connection
// must not leave a participant typing forever.
func (c *Coordinator) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			var stopped []Event
			c.mu.Lock()
			for roomID, rs := range c.rooms {
				for userID, expiry := range rs.typing {
					if !expiry.After(now) {
						delete(rs.typing, userID)
						stopped = append(stopped, Event{Type: EventTypingStopped, RoomID: roomID, UserID: userID})
					}
				}
			}
			c.mu.Unlock()
			for _, evt := range stopped {
				c.emit(evt)
			}
		}
	}
}

func (c *Coordinator) emit(evt Event) {
	c.lisMu.Lock()
	for ch := range c.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	c.lisMu.Unlock()
}
