package initiator

import (
	"sync"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/golang/protobuf/proto"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Endpoint is an addressable receiver of envelopes. Deliver is called from a single goroutine per endpoint and must
// not block for long.
type Endpoint interface {
	Deliver(env *iv2_pb.Envelope)
}

// MessageBus carries envelopes between endpoints. Send is fire-and-forget: envelopes to unknown or unreachable
// endpoints are dropped, and the protocol above tolerates the loss (a silent replica is a failed replica).
type MessageBus interface {
	Register(hsid HSID, endpoint Endpoint) error
	Unregister(hsid HSID)
	Send(to []HSID, env *iv2_pb.Envelope)
}

// DropFilter returns true if the envelope to the destination should be dropped. Used for fault injection.
type DropFilter func(to HSID, env *iv2_pb.Envelope) bool

const defaultLocalBusDepth = 256

type localEndpoint struct {
	hsid     HSID
	endpoint Endpoint
	inbox    chan *iv2_pb.Envelope
	done     chan struct{}
}

func (e *localEndpoint) run(logger *zap.SugaredLogger) {
	for {
		select {
		case env := <-e.inbox:
			e.endpoint.Deliver(env)
		case <-e.done:
			logger.Debugw("local bus, endpoint stopped", "hsid", e.hsid)
			return
		}
	}
}

// LocalBus is an in-process MessageBus. Delivery is asynchronous with one goroutine per registered endpoint, which
// preserves ordering between any pair of endpoints.
type LocalBus struct {
	mu        sync.RWMutex
	endpoints map[HSID]*localEndpoint
	drop      DropFilter
	depth      int
	dropped    *atomic.Int64
	overflowed *atomic.Int64
	logger     *zap.SugaredLogger
}

// NewLocalBus returns an empty bus. depth is the per endpoint inbox depth; zero picks a default. A nil logger
// disables logging.
//
// The depth bounds how far any endpoint may fall behind. An envelope which finds the inbox full is lost, just as one
// to a failed replica would be, so a live replica which overflows looks silent to a repair round in progress. Pick a
// depth above the number of fragments in flight per partition; Overflowed reports how often it was not enough.
func NewLocalBus(logger *zap.Logger, depth int) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = defaultLocalBusDepth
	}
	return &LocalBus{
		endpoints: map[HSID]*localEndpoint{},
		depth:     depth,
		dropped:    atomic.NewInt64(0),
		overflowed: atomic.NewInt64(0),
		logger:     logger.Sugar().Named("localbus"),
	}
}

// Register implements MessageBus.
func (b *LocalBus) Register(hsid HSID, endpoint Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.endpoints[hsid]; ok {
		return initiatorErrorf(InitiatorErrorDuplicateEndpoint, "register %s on local bus", hsid)
	}

	e := &localEndpoint{
		hsid:     hsid,
		endpoint: endpoint,
		inbox:    make(chan *iv2_pb.Envelope, b.depth),
		done:     make(chan struct{}),
	}
	b.endpoints[hsid] = e
	go e.run(b.logger)

	b.logger.Debugw("local bus, registered endpoint", "hsid", hsid)
	return nil
}

// Unregister implements MessageBus. Envelopes still queued for the endpoint are discarded.
func (b *LocalBus) Unregister(hsid HSID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.endpoints[hsid]; ok {
		close(e.done)
		delete(b.endpoints, hsid)
	}
}

// SetDropFilter installs (or, with nil, removes) a drop filter.
func (b *LocalBus) SetDropFilter(filter DropFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = filter
}

// Send implements MessageBus. Each destination receives its own copy of the envelope with DestHsid set.
func (b *LocalBus) Send(to []HSID, env *iv2_pb.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, hsid := range to {
		e, ok := b.endpoints[hsid]
		if !ok {
			b.dropped.Inc()
			b.logger.Debugw("local bus, dropped envelope to unknown endpoint", "to", hsid, "kind", env.Kind)
			continue
		}
		if b.drop != nil && b.drop(hsid, env) {
			b.dropped.Inc()
			continue
		}

		copied := proto.Clone(env).(*iv2_pb.Envelope)
		copied.DestHsid = int64(hsid)
		select {
		case e.inbox <- copied:
		default:
			b.dropped.Inc()
			b.overflowed.Inc()
			b.logger.Errorw("local bus, endpoint inbox full, dropped envelope to live endpoint",
				"to", hsid, "kind", env.Kind, "depth", b.depth)
		}
	}
}

// Dropped returns the number of envelopes dropped since the bus was created.
func (b *LocalBus) Dropped() int64 {
	return b.dropped.Load()
}

// Overflowed returns how many of the dropped envelopes were lost to a full inbox.
func (b *LocalBus) Overflowed() int64 {
	return b.overflowed.Load()
}

// Close unregisters every endpoint.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for hsid, e := range b.endpoints {
		close(e.done)
		delete(b.endpoints, hsid)
	}
}
