package initiator

import (
	"context"
	"sync"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// siteScheduler is the single task queue feeding the local execution backend. Fragments are executed in the order
// they are scheduled, from one goroutine, so partition state is never mutated concurrently. None of the initiator
// goroutines ever block waiting on the scheduler; the backend dictates the rate of execution.
type siteScheduler struct {
	partition PartitionID
	backend   ExecutionBackend
	// A one-deep channel which indicates that tasks may be pending.
	updatesAvailable chan struct{}
	// pending is appended to by the mailbox and drained from the front by run. One reader, potentially many writers.
	pendingMu sync.Mutex
	pending   []*iv2_pb.InitiateTask
	submitted *atomic.Int64
	failed    *atomic.Int64
	logger    *zap.SugaredLogger
}

func newSiteScheduler(partition PartitionID, backend ExecutionBackend, logger *zap.SugaredLogger) *siteScheduler {
	return &siteScheduler{
		partition:        partition,
		backend:          backend,
		updatesAvailable: make(chan struct{}, 1),
		pending:          []*iv2_pb.InitiateTask{},
		submitted:        atomic.NewInt64(0),
		failed:           atomic.NewInt64(0),
		logger:           logger,
	}
}

func (s *siteScheduler) logKV() []interface{} {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	return []interface{}{
		"obj", "siteScheduler", "partition", s.partition,
		"pending", pending, "submitted", s.submitted.Load(), "failed", s.failed.Load(),
	}
}

// schedule queues a task for execution and wakes up the scheduler.
func (s *siteScheduler) schedule(task *iv2_pb.InitiateTask) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, task)
	s.pendingMu.Unlock()
	s.notify()
}

func (s *siteScheduler) notify() {
	select {
	case s.updatesAvailable <- struct{}{}:
	default:
	}
}

func (s *siteScheduler) next() *iv2_pb.InitiateTask {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	return task
}

func (s *siteScheduler) run(ctx context.Context, wg *sync.WaitGroup) {

	defer wg.Done()

	s.logger.Debugw("siteScheduler, start running", s.logKV()...)

outerLoop:
	for {
		select {
		case <-s.updatesAvailable:

			// Between pulling the notification and draining, more tasks may be scheduled along with a fresh
			// notification. We would then see a spurious wake up with nothing to do, which is fine.
			count := 0
			for task := s.next(); task != nil; task = s.next() {
				if err := s.backend.Submit(task); err != nil {
					// The task stays incomplete in the repair log; a future repair restarts it.
					s.failed.Inc()
					s.logger.Errorw("siteScheduler, backend rejected task",
						append(s.logKV(), "txnID", TxnID(task.TxnId), initiatorErrKeyword, err)...)
				} else {
					s.submitted.Inc()
				}
				count++
				if ctx.Err() != nil {
					break outerLoop
				}
			}

			if count > 0 {
				s.logger.Debugw("siteScheduler, submitted tasks", append(s.logKV(), "count", count)...)
			}

		case <-ctx.Done():
			break outerLoop
		}
	}

	s.logger.Debugw("siteScheduler, stop running", s.logKV()...)
}
