package initiator

import (
	"context"
	"sort"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// repairResult is the single outcome produced by a repair round.
type repairResult struct {
	// success is false if too few replicas responded to reach a safe decision. The caller retries with a fresh Term.
	success bool
	// resumeTxnID is the largest transaction id of the role observed by any responder; the new leader resumes past it.
	resumeTxnID TxnID
	// restart lists the interrupted transactions, ordered by transaction id, each to be restarted exactly once.
	restart []*iv2_pb.InitiateTask
	// responders which answered within the bound.
	responders []HSID
	// err is set for outcomes which must not be retried; fatal when its cause is InitiatorErrorUnresolvableRepair.
	err error
}

// repairSender is how a repair round reaches the interesting replicas; the mailbox provides it.
type repairSender interface {
	send(to []HSID, env *iv2_pb.Envelope)
}

type repairResponse struct {
	from     HSID
	response *iv2_pb.StateResponse
}

// repairFilter decides whether a transaction may be restarted by the role being repaired.
type repairFilter func(term *Term, txnID TxnID) bool

// A data partition leader restarts its own transactions and the fragments it was executing for multi-partition
// transactions.
func spRepairFilter(term *Term, txnID TxnID) bool {
	return txnID.Partition() == term.PartitionID || txnID.IsMultiPartition()
}

func mpRepairFilter(term *Term, txnID TxnID) bool {
	return txnID.IsMultiPartition()
}

// ownedBy is true for transaction ids minted by the leader of the term's role. Only those move the resumption point.
func ownedBy(term *Term, txnID TxnID) bool {
	return txnID.Partition() == term.PartitionID
}

// repairAlgo queries every interesting replica of a Term for its repair log and decides which in-flight transactions
// were interrupted. An instance is one-shot: bound to one Term, started once, never reused.
type repairAlgo struct {
	roundID   string
	term      *Term
	self      HSID
	filter    repairFilter
	timeout   time.Duration
	sender    repairSender
	responses chan *repairResponse
	started   *atomic.Bool
	logger    *zap.SugaredLogger
	faultLog  *zap.SugaredLogger
}

// repairStrategy builds the repair algorithm for one role.
type repairStrategy func(term *Term, self HSID, sender repairSender, timeout time.Duration,
	logger, faultLog *zap.SugaredLogger) *repairAlgo

func newSpRepairAlgo(term *Term, self HSID, sender repairSender, timeout time.Duration,
	logger, faultLog *zap.SugaredLogger) *repairAlgo {
	return newRepairAlgo(term, self, sender, timeout, spRepairFilter, logger, faultLog)
}

func newMpRepairAlgo(term *Term, self HSID, sender repairSender, timeout time.Duration,
	logger, faultLog *zap.SugaredLogger) *repairAlgo {
	return newRepairAlgo(term, self, sender, timeout, mpRepairFilter, logger, faultLog)
}

func newRepairAlgo(term *Term, self HSID, sender repairSender, timeout time.Duration, filter repairFilter,
	logger, faultLog *zap.SugaredLogger) *repairAlgo {

	return &repairAlgo{
		roundID: uuid.New().String(),
		term:    term,
		self:    self,
		filter:  filter,
		timeout: timeout,
		sender:  sender,
		// Room for a duplicate from every replica before anything is dropped.
		responses: make(chan *repairResponse, 2*len(term.InterestingHSIDs)),
		started:   atomic.NewBool(false),
		logger:    logger,
		faultLog:  faultLog,
	}
}

func (r *repairAlgo) logKV() []interface{} {
	return append([]interface{}{"obj", "repairAlgo", "round", r.roundID}, r.term.logKV()...)
}

// deliver hands a state response to the round. Responses to other rounds are ignored. Never blocks; the mailbox
// calls this from message delivery.
func (r *repairAlgo) deliver(from HSID, response *iv2_pb.StateResponse) bool {

	if response.GetRoundId() != r.roundID {
		return false
	}

	select {
	case r.responses <- &repairResponse{from: from, response: response}:
		return true
	default:
		r.logger.Debugw("repair round, dropped surplus response", append(r.logKV(), "from", from)...)
		return false
	}
}

// start sends the state query to every interesting replica and returns a channel which will carry exactly one
// result. The caller suspends on the channel; collection runs in its own goroutine.
func (r *repairAlgo) start(ctx context.Context) <-chan repairResult {

	result := make(chan repairResult, 1)

	if !r.started.CAS(false, true) {
		result <- repairResult{err: initiatorErrorf(InitiatorErrorPromotionFailed,
			"repair round %s started more than once", r.roundID)}
		return result
	}

	r.logger.Debugw("repair round, querying replicas", r.logKV()...)
	r.faultLog.Infow("repair round started", r.logKV()...)

	r.sender.send(r.term.InterestingHSIDs, &iv2_pb.Envelope{
		Kind:       iv2_pb.MessageKind_STATE_QUERY,
		SourceHsid: int64(r.self),
		Query: &iv2_pb.StateQuery{
			RoundId:     r.roundID,
			PartitionId: int32(r.term.PartitionID),
		},
	})

	go func() {
		result <- r.collect(ctx)
	}()

	return result
}

// collect waits for responses until every interesting replica answered, or the bound elapses. Replicas which do not
// answer in time are treated as failed and excluded from the decision.
func (r *repairAlgo) collect(ctx context.Context) repairResult {

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	responded := map[HSID]*iv2_pb.StateResponse{}
	for len(responded) < len(r.term.InterestingHSIDs) {
		select {
		case rsp := <-r.responses:
			if !r.term.contains(rsp.from) {
				r.logger.Debugw("repair round, ignoring response from replica outside term",
					append(r.logKV(), "from", rsp.from)...)
				continue
			}
			// Duplicates from the same replica count once.
			if _, ok := responded[rsp.from]; !ok {
				responded[rsp.from] = rsp.response
			}

		case <-timer.C:
			missing := []HSID{}
			for _, h := range r.term.InterestingHSIDs {
				if _, ok := responded[h]; !ok {
					missing = append(missing, h)
				}
			}
			r.logger.Infow("repair round, bound elapsed, treating silent replicas as failed",
				append(r.logKV(), "responded", len(responded), "missing", missing)...)
			return r.decide(responded)

		case <-ctx.Done():
			return repairResult{err: initiatorErrorf(ctx.Err(), "repair round %s aborted", r.roundID)}
		}
	}

	return r.decide(responded)
}

type restartCandidate struct {
	task      *iv2_pb.InitiateTask
	completed int
}

// decide reaches a deterministic decision from the collected responses. It needs responses from a strict majority of
// the interesting set. A transaction is interrupted if the responders which had not completed it make up at least
// half of the responders; a responder which never saw the transaction has not completed it either. At most one
// multi-partition transaction is ever outstanding, so more than one interrupted multi-partition transaction is
// unresolvable, whichever role is being repaired.
func (r *repairAlgo) decide(responded map[HSID]*iv2_pb.StateResponse) repairResult {

	responders := make([]HSID, 0, len(responded))
	for h := range responded {
		responders = append(responders, h)
	}
	sortHSIDs(responders)

	if 2*len(responded) <= len(r.term.InterestingHSIDs) {
		r.logger.Infow("repair round, too few responses to decide",
			append(r.logKV(), "responders", responders)...)
		r.faultLog.Infow("repair round inconclusive", append(r.logKV(), "responders", responders)...)
		return repairResult{success: false, responders: responders}
	}

	resume := txnIDNotSet
	candidates := map[TxnID]*restartCandidate{}
	for _, h := range responders {
		rsp := responded[h]

		if maxTxn := TxnID(rsp.GetMaxTxnId()); rsp.GetMaxTxnId() != 0 && ownedBy(r.term, maxTxn) && maxTxn > resume {
			resume = maxTxn
		}

		// A replica may report a transaction more than once; it counts once per replica.
		seen := map[TxnID]bool{}
		for _, entry := range rsp.GetEntries() {
			task := entry.GetTask()
			if task == nil {
				continue
			}
			txnID := TxnID(task.GetTxnId())
			if !r.filter(r.term, txnID) || seen[txnID] {
				continue
			}
			seen[txnID] = true

			if ownedBy(r.term, txnID) && txnID > resume {
				resume = txnID
			}

			c, ok := candidates[txnID]
			if !ok {
				c = &restartCandidate{task: task}
				candidates[txnID] = c
			}
			if entry.GetCompleted() {
				c.completed++
			}
		}
	}

	restart := []*iv2_pb.InitiateTask{}
	multiPartition := 0
	for txnID, c := range candidates {
		notCompleted := len(responded) - c.completed
		if 2*notCompleted >= len(responded) {
			task := proto.Clone(c.task).(*iv2_pb.InitiateTask)
			task.ForRestart = true
			restart = append(restart, task)
			if txnID.IsMultiPartition() {
				multiPartition++
			}
		}
	}
	sort.Slice(restart, func(i, j int) bool { return restart[i].TxnId < restart[j].TxnId })

	result := repairResult{
		success:     true,
		resumeTxnID: resume,
		restart:     restart,
		responders:  responders,
	}

	if multiPartition > 1 {
		result.err = initiatorErrorf(InitiatorErrorUnresolvableRepair,
			"found %d multi-partition transactions requiring restart", multiPartition)
	}

	r.logger.Debugw("repair round, decided",
		append(r.logKV(), "responders", responders, "resume", resume, "restart", len(restart))...)
	r.faultLog.Infow("repair round decided",
		append(r.logKV(), "responders", responders, "resume", resume, "restart", restart)...)

	return result
}
