package initiator

import (
	"context"

	"go.uber.org/atomic"
)

// flushableEventChannel feeds events to a per remote host client goroutine. A flush discards every event queued
// ahead of it; used when the remote host is known to have failed and anything addressed to it is stale.
type flushableEventChannel struct {
	channel chan event
	// flush is written from both sides of the channel: incremented by the producer requesting a flush and decremented
	// by whoever handles the matching eventFlushUndo. While non-zero, the consumer discards eligible events.
	flush *atomic.Int32
}

// discardEligibleEvent is true while a flush is pending.
func (fec *flushableEventChannel) discardEligibleEvent() bool {
	return fec.flush.Load() != 0
}

func (fec *flushableEventChannel) updateFlush(up bool) {
	if up {
		fec.flush.Inc()
	} else {
		fec.flush.Dec()
	}
}

// postMessage is non-blocking: if the channel is full the event is not queued and false is returned. The caller
// decides whether losing the event matters; on the bus it never does.
func (fec *flushableEventChannel) postMessage(e event) bool {
	select {
	case fec.channel <- e:
		return true
	default:
		return false
	}
}

// postMessageWithFlush queues e behind a flush. Every discard eligible event ahead of it is dropped, some of them
// inline if the channel is full.
func (fec *flushableEventChannel) postMessageWithFlush(ctx context.Context, e event) {

	fec.updateFlush(true)
	wrapper := &eventFlushUndo{wrappedEvent: e, fec: fec}

	for {
		select {
		case fec.channel <- wrapper:
			return
		case discardEvent := <-fec.channel:
			discardEvent.handle(ctx)
		case <-ctx.Done():
			fec.updateFlush(false)
			return
		}
	}
}

func newFlushableEventChannel(size int32) flushableEventChannel {
	return flushableEventChannel{
		channel: make(chan event, size),
		flush:   atomic.NewInt32(0),
	}
}
