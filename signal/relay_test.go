package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritel/telelink/proto"
	"github.com/veritel/telelink/session"
)

type fakeSender struct {
	frames []proto.Frame
}

func (f *fakeSender) Send(fr proto.Frame) error {
	f.frames = append(f.frames, fr)
	return nil
}

func TestOutboundFramesAddressPeer(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, session.NewDispatcher())
	defer r.Close()

	offer := json.RawMessage(`{"sdp":"v=0..."}`)
	ice := json.RawMessage(`{"candidate":"candidate:1 1 udp"}`)

	require.NoError(t, r.SendOffer("peer-1", offer))
	require.NoError(t, r.SendAnswer("peer-1", offer))
	require.NoError(t, r.SendICECandidate("peer-1", ice))

	require.Len(t, sender.frames, 3)
	assert.Equal(t, proto.TypeWebRTCOffer, sender.frames[0].Type)
	assert.Equal(t, proto.TypeWebRTCAnswer, sender.frames[1].Type)
	assert.Equal(t, proto.TypeWebRTCICE, sender.frames[2].Type)
	for _, fr := range sender.frames {
		assert.Equal(t, "peer-1", fr.ToUserID)
	}
}

func TestInboundPayloadPassedUnopened(t *testing.T) {
	disp := session.NewDispatcher()
	r := New(&fakeSender{}, disp)
	defer r.Close()

	var got []Inbound
	r.OnSignal(func(in Inbound) { got = append(got, in) })

	// Payload bytes must survive byte for byte, whatever is inside.
	payload := json.RawMessage(`{"sdp":"v=0\r\no=- 42 2 IN IP4 0.0.0.0","weird":[1,null]}`)
	disp.Route(proto.Frame{Type: proto.TypeWebRTCOffer, UserID: "peer-2", Payload: payload})
	disp.Route(proto.Frame{Type: proto.TypeWebRTCICE, UserID: "peer-2", Payload: payload})

	require.Len(t, got, 2)
	assert.Equal(t, KindOffer, got[0].Type)
	assert.Equal(t, KindICECandidate, got[1].Type)
	for _, in := range got {
		assert.Equal(t, "peer-2", in.FromUserID)
		assert.Equal(t, []byte(payload), []byte(in.Payload))
	}
}

func TestInboundWithoutCallbackIsDropped(t *testing.T) {
	disp := session.NewDispatcher()
	r := New(&fakeSender{}, disp)
	defer r.Close()

	// No callback registered; must not panic.
	disp.Route(proto.Frame{Type: proto.TypeWebRTCAnswer, UserID: "peer-3", Payload: json.RawMessage(`{}`)})
}

func TestCloseStopsDelivery(t *testing.T) {
	disp := session.NewDispatcher()
	r := New(&fakeSender{}, disp)

	var calls int
	r.OnSignal(func(Inbound) { calls++ })
	r.Close()

	disp.Route(proto.Frame{Type: proto.TypeWebRTCOffer, UserID: "peer-4"})
	assert.Zero(t, calls)
}
