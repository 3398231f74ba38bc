package initiator

import (
	"context"

	"github.com/ccassar/initiator/internal/iv2_pb"
)

// Events carry all the context necessary to dispose of them; the gRPC client goroutines which handle them are not
// smart and simply push whatever they have been given.
type event interface {
	// handle is primarily called in the context of the client goroutine, but may be called by a producer draining
	// the channel inline while a flush is pending.
	handle(ctx context.Context)
	logKV() []interface{}
}

// eventFlushUndo wraps another event and ends the flush it was posted with.
type eventFlushUndo struct {
	fec          *flushableEventChannel
	wrappedEvent event
}

func (e *eventFlushUndo) handle(ctx context.Context) {
	e.fec.updateFlush(false)
	if e.wrappedEvent != nil {
		// A later flush may still be pending, in which case the wrapped event discards itself.
		e.wrappedEvent.handle(ctx)
	}
}

func (e *eventFlushUndo) logKV() []interface{} {
	kv := []interface{}{"obj", "eventFlushUndo"}
	if e.wrappedEvent != nil {
		kv = append(kv, e.wrappedEvent.logKV()...)
	}
	return kv
}

// deliverEvent pushes one envelope to the remote host.
type deliverEvent struct {
	client *mailboxClient
	env    *iv2_pb.Envelope
}

func (e *deliverEvent) handle(ctx context.Context) {

	bus := e.client.bus
	if e.client.eventChan.discardEligibleEvent() {
		bus.dropped.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, bus.config.RPCTimeout)
	defer cancel()

	_, err := e.client.grpcClient.Deliver(ctx, e.env)
	if err != nil {
		bus.dropped.Inc()
		bus.logger.Debugw("grpc bus, deliver failed, envelope dropped", append(e.logKV(), initiatorErrKeyword, err)...)
	}
}

func (e *deliverEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "deliverEvent",
		"kind", e.env.GetKind(), "to", HSID(e.env.GetDestHsid())}, e.client.logKV()...)
}

// hostFlushedEvent marks the end of a flush of everything queued for a remote host.
type hostFlushedEvent struct {
	client *mailboxClient
}

func (e *hostFlushedEvent) handle(ctx context.Context) {
	e.client.bus.logger.Infow("grpc bus, flushed envelopes queued for remote host", e.logKV()...)
}

func (e *hostFlushedEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "hostFlushedEvent"}, e.client.logKV()...)
}
