package session

import (
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/veritel/telelink/proto"
)

var log = logging.Logger("telelink/session")

// Channel is a logical stream of inbound frames. Consumers subscribe to
// channels, not to raw frame types; the dispatcher owns the mapping.
type Channel string

const (
	ChannelSystem       Channel = "system"
	ChannelChat         Channel = "chat"
	ChannelNotification Channel = "notification"
	ChannelPresence     Channel = "presence"
	ChannelRoom         Channel = "room"
	ChannelSignal       Channel = "signal"
	ChannelError        Channel = "error"
)

// channelFor maps a frame type discriminant to its channel. Unknown types
// map to the empty channel and are dropped by Route.
func channelFor(frameType string) Channel {
	switch frameType {
	case proto.TypeConnectionSuccess, proto.TypeAuthWarning:
		return ChannelSystem
	case proto.TypeChatMessage:
		return ChannelChat
	case proto.TypeNotification:
		return ChannelNotification
	case proto.TypeUserTyping, proto.TypeUserStoppedTyping, proto.TypeUpdateStatus:
		return ChannelPresence
	case proto.TypeUserJoined, proto.TypeUserLeft, proto.TypeMediaStateChange,
		proto.TypeHandRaise, proto.TypeKickUser:
		return ChannelRoom
	case proto.TypeWebRTCOffer, proto.TypeWebRTCAnswer, proto.TypeWebRTCICE:
		return ChannelSignal
	case proto.TypeError:
		return ChannelError
	default:
		return ""
	}
}

// Handle identifies one subscription for later removal.
type Handle string

type subscriber struct {
	handle Handle
	fn     func(proto.Frame)
}

// Dispatcher fans inbound frames out to dynamically registered consumers.
// Subscribing and unsubscribing are safe from any goroutine, including
// from inside a callback running under Route.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[Channel][]subscriber
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Channel][]subscriber)}
}

// Subscribe registers fn on a channel. Callbacks on the same channel run
// in registration order. The returned Handle is the disposal token —
// every consumer must Unsubscribe on teardown.
func (d *Dispatcher) Subscribe(ch Channel, fn func(proto.Frame)) Handle {
	h := Handle(uuid.NewString())
	d.mu.Lock()
	d.subs[ch] = append(d.subs[ch], subscriber{handle: h, fn: fn})
	d.mu.Unlock()
	return h
}

// Unsubscribe removes a subscription. Idempotent: an unknown or already
// removed handle is a no-op.
func (d *Dispatcher) Unsubscribe(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch, subs := range d.subs {
		for i, s := range subs {
			if s.handle == h {
				d.subs[ch] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Route classifies a frame by its type discriminant and invokes every
// currently registered callback on the matched channel. The subscriber
// list is snapshotted before iterating, so callbacks may subscribe or
// unsubscribe without invalidating the pass. A panicking callback is
// isolated and logged; its siblings still run.
func (d *Dispatcher) Route(f proto.Frame) {
	ch := channelFor(f.Type)
	if ch == "" {
		log.Warnf("dropping frame with unknown type %q", f.Type)
		return
	}

	d.mu.RLock()
	snapshot := make([]subscriber, len(d.subs[ch]))
	copy(snapshot, d.subs[ch])
	d.mu.RUnlock()

	for _, s := range snapshot {
		d.invoke(ch, s, f)
	}
}

func (d *Dispatcher) invoke(ch Channel, s subscriber, f proto.Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s subscriber panicked on %s frame: %v", ch, f.Type, r)
		}
	}()
	s.fn(f)
}
