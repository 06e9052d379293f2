package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritel/telelink/config"
	"github.com/veritel/telelink/proto"
	"github.com/veritel/telelink/session"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []proto.Frame
}

func (f *fakeTransport) Send(fr proto.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTransport) ofType(frameType string) []proto.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Frame
	for _, fr := range f.frames {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

func testCoordinator(t *testing.T) (*Coordinator, *fakeTransport, *session.Dispatcher) {
	t.Helper()
	cfg := config.Default()
	cfg.Typing.DebounceMS = 50
	cfg.Typing.WindowSec = 1

	tr := &fakeTransport{}
	disp := session.NewDispatcher()
	c := New(tr, disp, "self", "Dr. Vega", "clinician", cfg)
	t.Cleanup(c.Close)
	return c, tr, disp
}

func participant(c *Coordinator, roomID, userID string) (Participant, bool) {
	for _, p := range c.Participants(roomID) {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func TestJoinAnnouncesIntent(t *testing.T) {
	c, tr, _ := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	joins := tr.ofType(proto.TypeJoinRoom)
	require.Len(t, joins, 1)
	assert.Equal(t, "r1", joins[0].RoomID)
	assert.Equal(t, "self", joins[0].UserID)
	assert.Equal(t, "Dr. Vega", joins[0].Username)
	assert.Equal(t, "clinician", joins[0].Role)
}

func TestJoinedParticipantDefaultsThenMediaLastWriteWins(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserJoined, RoomID: "r1", UserID: "u1", Username: "Ana", Role: "patient"})

	p, ok := participant(c, "r1", "u1")
	require.True(t, ok)
	assert.Equal(t, "Ana", p.Username)
	assert.False(t, p.Media.Audio, "media defaults to off")
	assert.False(t, p.Media.Video)
	assert.False(t, p.Media.ScreenShare)

	disp.Route(proto.Frame{
		Type:   proto.TypeMediaStateChange,
		RoomID: "r1",
		UserID: "u1",
		Media:  &proto.MediaState{Video: true},
	})

	p, ok = participant(c, "r1", "u1")
	require.True(t, ok)
	assert.True(t, p.Media.Video)
	assert.False(t, p.Media.Audio, "other fields unchanged")
	assert.Equal(t, "Ana", p.Username, "identity fields unchanged")
}

func TestRemoteTypingExpiresWithoutStopEvent(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	events, cancel := c.Subscribe()
	defer cancel()

	disp.Route(proto.Frame{Type: proto.TypeUserTyping, RoomID: "r1", UserID: "u1"})
	assert.Equal(t, []string{"u1"}, c.TypingUsers("r1"))

	// No stop event arrives; the window alone must clear the entry.
	require.Eventually(t, func() bool {
		return len(c.TypingUsers("r1")) == 0
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-events:
				if evt.Type == EventTypingStopped && evt.UserID == "u1" {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestExplicitStopClearsTypingEntry(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserTyping, RoomID: "r1", UserID: "u1"})
	disp.Route(proto.Frame{Type: proto.TypeUserStoppedTyping, RoomID: "r1", UserID: "u1"})
	assert.Empty(t, c.TypingUsers("r1"))
}

func TestLocalTypingDebounce(t *testing.T) {
	c, tr, _ := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	c.StartTyping("r1")
	c.StartTyping("r1")
	c.StartTyping("r1")

	assert.Len(t, tr.ofType(proto.TypeUserTyping), 1, "typing-start sent once per burst")

	// After input goes quiet the debounce timer sends the stop.
	require.Eventually(t, func() bool {
		return len(tr.ofType(proto.TypeUserStoppedTyping)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// A fresh burst announces again.
	c.StartTyping("r1")
	assert.Len(t, tr.ofType(proto.TypeUserTyping), 2)
}

func TestOwnTypingEchoIgnored(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserTyping, RoomID: "r1", UserID: "self"})
	assert.Empty(t, c.TypingUsers("r1"))
}

func TestChatMessageHistory(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	for _, content := range []string{"one", "two", "three"} {
		disp.Route(proto.Frame{Type: proto.TypeChatMessage, ID: content, RoomID: "r1", UserID: "u1", Content: content})
	}
	// Messages for rooms we never joined are dropped.
	disp.Route(proto.Frame{Type: proto.TypeChatMessage, RoomID: "other", UserID: "u1", Content: "lost"})

	h := c.History("r1")
	require.Len(t, h, 3)
	assert.Equal(t, "one", h[0].Content)
	assert.Equal(t, "three", h[2].Content)
	assert.Nil(t, c.History("other"))
}

func TestChatMessageClearsTyping(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserTyping, RoomID: "r1", UserID: "u1"})
	disp.Route(proto.Frame{Type: proto.TypeChatMessage, RoomID: "r1", UserID: "u1", Content: "done typing"})
	assert.Empty(t, c.TypingUsers("r1"))
}

func TestKickAddressedToSelfFiresPolicyHook(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	var removedFrom string
	c.OnRemoved(func(roomID string) { removedFrom = roomID })

	disp.Route(proto.Frame{Type: proto.TypeKickUser, RoomID: "r1", UserID: "moderator", ToUserID: "self"})
	assert.Equal(t, "r1", removedFrom)
}

func TestKickRemovesOtherParticipant(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserJoined, RoomID: "r1", UserID: "u1"})
	disp.Route(proto.Frame{Type: proto.TypeKickUser, RoomID: "r1", UserID: "moderator", ToUserID: "u1"})

	_, ok := participant(c, "r1", "u1")
	assert.False(t, ok)
}

func TestUserLeftRemovesParticipantAndTyping(t *testing.T) {
	c, _, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))

	disp.Route(proto.Frame{Type: proto.TypeUserJoined, RoomID: "r1", UserID: "u1"})
	disp.Route(proto.Frame{Type: proto.TypeUserTyping, RoomID: "r1", UserID: "u1"})
	disp.Route(proto.Frame{Type: proto.TypeUserLeft, RoomID: "r1", UserID: "u1"})

	_, ok := participant(c, "r1", "u1")
	assert.False(t, ok)
	assert.Empty(t, c.TypingUsers("r1"))
}

func TestLeaveRoomDropsLocalState(t *testing.T) {
	c, tr, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))
	disp.Route(proto.Frame{Type: proto.TypeUserJoined, RoomID: "r1", UserID: "u1"})

	require.NoError(t, c.LeaveRoom("r1"))
	assert.Len(t, tr.ofType(proto.TypeLeaveRoom), 1)
	assert.Nil(t, c.Participants("r1"))
	assert.Nil(t, c.History("r1"))
}

func TestHandRaiseAndStatus(t *testing.T) {
	c, tr, disp := testCoordinator(t)
	require.NoError(t, c.JoinRoom("r1"))
	disp.Route(proto.Frame{Type: proto.TypeUserJoined, RoomID: "r1", UserID: "u1"})

	raised := true
	disp.Route(proto.Frame{Type: proto.TypeHandRaise, RoomID: "r1", UserID: "u1", HandRaised: &raised})
	p, ok := participant(c, "r1", "u1")
	require.True(t, ok)
	assert.True(t, p.HandRaised)

	disp.Route(proto.Frame{Type: proto.TypeUpdateStatus, UserID: "u1", Status: "busy"})
	p, _ = participant(c, "r1", "u1")
	assert.Equal(t, "busy", p.Status)

	require.NoError(t, c.RaiseHand("r1", true))
	frames := tr.ofType(proto.TypeHandRaise)
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].HandRaised)
	assert.True(t, *frames[0].HandRaised)
}

func TestMessageRingOverwritesOldest(t *testing.T) {
	r := newMessageRing(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.add(ChatMessage{ID: id})
	}
	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "d", snap[2].ID)
}
