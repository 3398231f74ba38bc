package initiator

import (
	"testing"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusRegistrationAndFiltering(t *testing.T) {

	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	a, b := MakeHSID(1, 0), MakeHSID(2, 0)
	spyA, spyB := &spyEndpoint{}, &spyEndpoint{}
	require.NoError(t, bus.Register(a, spyA))
	require.NoError(t, bus.Register(b, spyB))
	err := bus.Register(a, &spyEndpoint{})
	assert.Equal(t, InitiatorErrorDuplicateEndpoint, errors.Cause(err))

	bus.SetDropFilter(func(to HSID, env *iv2_pb.Envelope) bool {
		return to == b && env.Kind == iv2_pb.MessageKind_STATE_QUERY
	})
	bus.Send([]HSID{a, b, MakeHSID(9, 0)}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_STATE_QUERY})
	bus.Send([]HSID{b}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_DUMP})

	eventually(t, time.Second, func() bool {
		return len(spyA.received(iv2_pb.MessageKind_STATE_QUERY)) == 1 &&
			len(spyB.received(iv2_pb.MessageKind_DUMP)) == 1
	}, "delivery past the filter")
	assert.Empty(t, spyB.received(iv2_pb.MessageKind_STATE_QUERY))
	assert.Equal(t, int64(a), spyA.received(iv2_pb.MessageKind_STATE_QUERY)[0].DestHsid)
	assert.Equal(t, int64(2), bus.Dropped(), "filtered and unknown destinations")
	assert.Equal(t, int64(0), bus.Overflowed())

	bus.Unregister(a)
	bus.Send([]HSID{a}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_DUMP})
	assert.Equal(t, int64(3), bus.Dropped())
	require.NoError(t, bus.Register(a, spyA), "hsid is free again once unregistered")
}

// An endpoint which falls behind by more than the inbox depth loses envelopes, and the bus accounts for them.
func TestLocalBusInboxOverflow(t *testing.T) {

	bus := NewLocalBus(testLoggerGet(), 1)
	defer bus.Close()

	release := make(chan struct{})
	slow := &spyEndpoint{onDeliver: func(env *iv2_pb.Envelope) {
		if env.Kind == iv2_pb.MessageKind_FRAGMENT {
			<-release
		}
	}}
	hsid := MakeHSID(1, 0)
	require.NoError(t, bus.Register(hsid, slow))

	bus.Send([]HSID{hsid}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_FRAGMENT})
	eventually(t, time.Second, func() bool {
		return len(slow.received(iv2_pb.MessageKind_FRAGMENT)) == 1
	}, "first envelope in delivery")

	bus.Send([]HSID{hsid}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_REPLICATE})
	bus.Send([]HSID{hsid}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_COMPLETE})
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, int64(1), bus.Overflowed())

	close(release)
	eventually(t, time.Second, func() bool {
		return len(slow.received(iv2_pb.MessageKind_REPLICATE)) == 1
	}, "queued envelope delivered once the endpoint catches up")
	assert.Empty(t, slow.received(iv2_pb.MessageKind_COMPLETE))
}
