// Package signal relays call-setup payloads between peers. The relay
// wraps every payload with the addressee and hands inbound frames to the
// registered callback unopened — SDP and ICE contents are opaque here;
// the peer media transport lives outside this module.
package signal

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/veritel/telelink/proto"
	"github.com/veritel/telelink/session"
)

var log = logging.Logger("telelink/signal")

// Sender is the outbound surface the relay needs from the session layer.
type Sender interface {
	Send(proto.Frame) error
}

// Inbound is one received signaling message, payload untouched.
type Inbound struct {
	Type       string          // offer | answer | ice_candidate
	FromUserID string
	Payload    json.RawMessage
}

const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice_candidate"
)

// Relay forwards signaling frames in both directions.
type Relay struct {
	sender Sender
	disp   *session.Dispatcher
	handle session.Handle

	mu sync.Mutex
	fn func(Inbound)
}

// New subscribes the relay on the signal channel. Close releases the
// subscription.
func New(sender Sender, disp *session.Dispatcher) *Relay {
	r := &Relay{sender: sender, disp: disp}
	r.handle = disp.Subscribe(session.ChannelSignal, r.onFrame)
	return r
}

// OnSignal registers the single inbound callback, owned by the media
// transport collaborator. Replaces any previous callback.
func (r *Relay) OnSignal(fn func(Inbound)) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

// SendOffer relays an SDP offer to a specific peer.
func (r *Relay) SendOffer(toUserID string, payload json.RawMessage) error {
	return r.send(proto.TypeWebRTCOffer, toUserID, payload)
}

// SendAnswer relays an SDP answer to a specific peer.
func (r *Relay) SendAnswer(toUserID string, payload json.RawMessage) error {
	return r.send(proto.TypeWebRTCAnswer, toUserID, payload)
}

// SendICECandidate relays an ICE candidate to a specific peer.
func (r *Relay) SendICECandidate(toUserID string, payload json.RawMessage) error {
	return r.send(proto.TypeWebRTCICE, toUserID, payload)
}

// Close releases the dispatcher subscription. Idempotent.
func (r *Relay) Close() {
	r.disp.Unsubscribe(r.handle)
}

func (r *Relay) send(frameType, toUserID string, payload json.RawMessage) error {
	return r.sender.Send(proto.Frame{
		Type:     frameType,
		ToUserID: toUserID,
		Payload:  payload,
	})
}

func (r *Relay) onFrame(f proto.Frame) {
	var kind string
	switch f.Type {
	case proto.TypeWebRTCOffer:
		kind = KindOffer
	case proto.TypeWebRTCAnswer:
		kind = KindAnswer
	case proto.TypeWebRTCICE:
		kind = KindICECandidate
	default:
		return
	}

	r.mu.Lock()
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		log.Debugf("dropping %s from %s: no signaling callback registered", kind, f.UserID)
		return
	}
	fn(Inbound{Type: kind, FromUserID: f.UserID, Payload: f.Payload})
}
