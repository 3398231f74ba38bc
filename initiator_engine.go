package initiator

import (
	"context"
	"sync"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	werrors "github.com/pkg/errors"
)

// InitiatorState describes where an initiator is in the promotion state machine.
type InitiatorState int32

const (
	// StateUnpromoted is the initial state; the initiator is a replica, not leader.
	StateUnpromoted InitiatorState = iota
	// StatePromoting while a promotion is in flight. A failed repair round retries within this state.
	StatePromoting
	// StateLeader once repair succeeded, restarts were scheduled and leadership was published.
	StateLeader
	// StateFatal after an outcome the process must not survive. The initiator never leaves this state.
	StateFatal
)

func (s InitiatorState) String() string {
	switch s {
	case StateUnpromoted:
		return "unpromoted"
	case StatePromoting:
		return "promoting"
	case StateLeader:
		return "leader"
	case StateFatal:
		return "fatal"
	}
	return "illegal"
}

// State returns the current promotion state.
func (i *Initiator) State() InitiatorState {
	return InitiatorState(i.state.Load())
}

func (i *Initiator) setState(state InitiatorState) {
	i.state.Store(int32(state))
	i.metrics.setState(state)
}

// stateFn variation of state machine, as described by r@golang.org here: https://talks.golang.org/2011/lex.slide
// Each state is represented as a function which consumes leader-elect notifications from the coordination service.
type stateFn func(context.Context) stateFn

// run drives the promotion state machine until the context is cancelled or a fatal error stops it.
func (i *Initiator) run(ctx context.Context, wg *sync.WaitGroup, notifications <-chan bool) {

	defer wg.Done()

	i.logger.Infow("initiator engine, start running", i.logKV()...)

	engine := &initiatorEngine{initiator: i, notifications: notifications}
	for s := engine.unpromotedStateFn; s != nil; {
		s = s(ctx)
		i.logger.Debugw("initiator engine, leaving state", i.logKV()...)
	}

	i.logger.Infow("initiator engine, stop running", i.logKV()...)
}

type initiatorEngine struct {
	initiator     *Initiator
	notifications <-chan bool
}

// watchLost handles the notification stream closing. Unless we are shutting down, our registration or the
// coordination service itself has gone, and leadership can no longer be determined safely.
func (e *initiatorEngine) watchLost(ctx context.Context) stateFn {
	if ctx.Err() == nil {
		e.initiator.signalFatalError(initiatorErrorf(InitiatorErrorCoordinationUnavailable,
			"leader election watch for %s closed", e.initiator.token.Path))
	}
	return nil
}

func (e *initiatorEngine) unpromotedStateFn(ctx context.Context) stateFn {

	i := e.initiator
	if i.State() == StateLeader {
		// Promoted by a direct AcceptPromotion call while we were waiting.
		return e.leaderStateFn
	}

	for {
		select {
		case isLeader, ok := <-e.notifications:
			if !ok {
				return e.watchLost(ctx)
			}
			if isLeader {
				return e.promotingStateFn
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (e *initiatorEngine) promotingStateFn(ctx context.Context) stateFn {

	i := e.initiator
	err := i.AcceptPromotion(ctx)

	switch {
	case err == nil:
		return e.leaderStateFn

	case werrors.Cause(err) == InitiatorErrorPromotionInProgress:
		i.logger.Debugw("initiator engine, promotion already handled elsewhere", i.logKV()...)
		return e.unpromotedStateFn

	case IsFatal(err):
		i.signalFatalError(err)
		return nil

	default:
		// Only a cancelled context gets us here.
		i.logger.Infow("initiator engine, promotion abandoned", append(i.logKV(), initiatorErrKeyword, err)...)
		return nil
	}
}

func (e *initiatorEngine) leaderStateFn(ctx context.Context) stateFn {

	i := e.initiator
	for {
		select {
		case isLeader, ok := <-e.notifications:
			if !ok {
				return e.watchLost(ctx)
			}
			if isLeader {
				i.logger.Debugw("initiator engine, ignoring duplicate leader-elect notification", i.logKV()...)
				continue
			}
			i.mailbox.demote()
			i.metrics.demoted()
			i.setState(StateUnpromoted)
			return e.unpromotedStateFn

		case <-ctx.Done():
			return nil
		}
	}
}

// AcceptPromotion is invoked once this initiator has won the election of its partition. It blocks until leadership
// is fully established or a fatal condition is raised. Run calls it on every election win; it is exported for
// callers driving elections themselves.
//
// Each attempt computes a fresh Term and runs a repair round against it. On success the repair outcome is installed
// in the mailbox, every interrupted transaction is restarted exactly once, queued fragments are led and the leader
// cache is updated. A round which did not hear from enough replicas is retried with a fresh Term, without bound on
// the number of attempts; the only exits are success, a fatal outcome or cancellation of ctx.
//
// A call while a promotion is in flight, or once leadership is established, returns an error with cause
// InitiatorErrorPromotionInProgress and has no other effect. A fatal outcome returns an error for which IsFatal is
// true; the caller stops the node. Run does so by signalling on FatalErrorChannel.
func (i *Initiator) AcceptPromotion(ctx context.Context) error {

	if !i.ready.Load() {
		return initiatorErrorf(InitiatorErrorNotConfigured, "accept promotion")
	}

	if !i.promoting.CAS(false, true) {
		return initiatorErrorf(InitiatorErrorPromotionInProgress, "accept promotion")
	}
	defer i.promoting.Store(false)

	switch i.State() {
	case StateLeader:
		return initiatorErrorf(InitiatorErrorPromotionInProgress, "accept promotion, already leader")
	case StateFatal:
		return initiatorErrorf(InitiatorErrorPromotionFailed, "accept promotion, initiator failed previously")
	}

	i.setState(StatePromoting)
	start := time.Now()
	i.logger.Infow("initiator, starting leader promotion", i.logKV()...)

	for attempt := 1; ; attempt++ {

		if err := ctx.Err(); err != nil {
			i.setState(StateUnpromoted)
			return initiatorErrorf(err, "promotion abandoned after %d attempts", attempt-1)
		}

		term, err := i.computeTerm(termInputs{
			coord:              i.config.Coordinator,
			partition:          i.partition,
			self:               i.hsid,
			numberOfPartitions: i.params.NumberOfPartitions,
		})
		if err != nil {
			return i.failPromotion(start, nil, nil, err)
		}

		algo := i.newRepair(term, i.hsid, i.mailbox, i.repairTimeout, i.logger, i.mailbox.faultLogger())
		i.mailbox.setRepairAlgo(algo)
		result := <-algo.start(ctx)
		i.metrics.responders(len(result.responders))

		if result.err != nil {
			if IsFatal(result.err) {
				return i.failPromotion(start, term, result.restart, result.err)
			}
			if ctx.Err() != nil {
				continue
			}
			return i.failPromotion(start, term, result.restart, result.err)
		}

		if !result.success {
			// Too few replicas answered. A replica failing during repair is bounded by k-safety; try again with
			// whatever membership looks like now.
			i.metrics.promotionAttempt(promotionOutcomeRetry)
			i.logger.Infow("initiator, interrupted during leader promotion, retrying",
				append(i.logKV(), "attempt", attempt, "elapsed", time.Since(start).String(),
					"interesting", term.InterestingHSIDs, "responders", result.responders)...)
			continue
		}

		if err = i.mailbox.setLeaderState(term, result.resumeTxnID); err != nil {
			return i.failPromotion(start, term, result.restart, err)
		}
		for _, task := range result.restart {
			i.logger.Infow("initiator, restarting interrupted transaction",
				append(i.logKV(), "txnID", TxnID(task.TxnId))...)
			if err = i.mailbox.repairReplicasWith(noHSID, task); err != nil {
				return i.failPromotion(start, term, result.restart, err)
			}
		}
		i.mailbox.serve()

		err = i.leaderCache.Put(i.partition, i.hsid)
		if err != nil {
			return i.failPromotion(start, nil, nil, err)
		}

		i.setState(StateLeader)
		elapsed := time.Since(start)
		i.metrics.promotionAttempt(promotionOutcomeSuccess)
		i.metrics.promoted(elapsed.Seconds())
		i.logger.Infow("initiator, finished leader promotion",
			append(i.logKV(), "took", elapsed.String(), "attempts", attempt,
				"resume", result.resumeTxnID, "restarted", len(result.restart))...)

		return nil
	}
}

// failPromotion records a fatal promotion outcome. It leaves a log trail for operators (condition, timing and every
// restart candidate) and asks every replica of the term to dump its state. Errors not already fatal are reported
// with cause InitiatorErrorPromotionFailed.
func (i *Initiator) failPromotion(
	start time.Time, term *Term, candidates []*iv2_pb.InitiateTask, err error) error {

	if !IsFatal(err) {
		err = initiatorErrorf(InitiatorErrorPromotionFailed, "%v", err)
	}

	i.setState(StateFatal)
	i.metrics.promotionAttempt(promotionOutcomeFatal)

	i.logger.Errorw("initiator, detected a fatal condition during leader promotion",
		append(i.logKV(), "elapsed", time.Since(start).String(), "candidates", len(candidates),
			initiatorErrKeyword, err)...)
	for _, task := range candidates {
		i.logger.Errorw("initiator, restart candidate",
			append(i.logKV(), "txnID", TxnID(task.TxnId), "task", task)...)
	}

	if term != nil {
		i.mailbox.send(term.InterestingHSIDs, &iv2_pb.Envelope{
			Kind: iv2_pb.MessageKind_DUMP,
			Dump: &iv2_pb.Dump{Reason: err.Error()},
		})
	}

	i.logger.Errorw("initiator, this node will fail, collect logs from every host in the cluster", i.logKV()...)

	return err
}
