package initiator

import (
	"sync"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"go.uber.org/zap"
)

// noHSID is passed to repairReplicasWith when no replica is to be excluded.
const noHSID = HSID(-1)

// initiatorMailbox is the addressable endpoint of an initiator. It queues fragments until leadership is established,
// leads fragments once it is (record, replicate, schedule), answers repair queries from its repair log and routes
// repair responses to the one active repair round.
//
// Leader and repair fields are only ever set by the promotion path of the owning initiator. Message handling reads
// them under mu.
type initiatorMailbox struct {
	hsid      HSID
	partition PartitionID
	bus       MessageBus
	log       *repairLog
	scheduler *siteScheduler
	txnIDs    *TxnIDGenerator
	metrics   *metricsHolder
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	leader      bool
	term        *Term
	resumeTxnID TxnID
	repair      *repairAlgo
	queue       []*iv2_pb.InitiateTask
	// restarted holds the transactions resubmitted by the current promotion. Queued fragments for the same
	// transactions are skipped when the queue is drained.
	restarted map[TxnID]bool
	faultLog  *zap.SugaredLogger
}

func newInitiatorMailbox(hsid HSID, partition PartitionID, bus MessageBus, log *repairLog,
	scheduler *siteScheduler, txnIDs *TxnIDGenerator, metrics *metricsHolder,
	logger *zap.SugaredLogger) *initiatorMailbox {

	return &initiatorMailbox{
		hsid:        hsid,
		partition:   partition,
		bus:         bus,
		log:         log,
		scheduler:   scheduler,
		txnIDs:      txnIDs,
		metrics:     metrics,
		logger:      logger,
		resumeTxnID: txnIDNotSet,
		queue:       []*iv2_pb.InitiateTask{},
		restarted:   map[TxnID]bool{},
		faultLog:    zap.NewNop().Sugar(),
	}
}

func (m *initiatorMailbox) logKVLocked() []interface{} {
	return []interface{}{
		"obj", "mailbox", "hsid", m.hsid, "partition", m.partition,
		"leader", m.leader, "resume", m.resumeTxnID, "queued", len(m.queue),
	}
}

func (m *initiatorMailbox) logKV() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logKVLocked()
}

func (m *initiatorMailbox) enableFaultLog(faultLog *zap.SugaredLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultLog = faultLog
}

func (m *initiatorMailbox) faultLogger() *zap.SugaredLogger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faultLog
}

func (m *initiatorMailbox) isLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// send broadcasts an envelope from this mailbox. Fire-and-forget.
func (m *initiatorMailbox) send(to []HSID, env *iv2_pb.Envelope) {
	if len(to) == 0 {
		return
	}
	env.SourceHsid = int64(m.hsid)
	m.bus.Send(to, env)
}

// setRepairAlgo makes algo the one active repair round. Responses for any previous round are dropped from here on.
func (m *initiatorMailbox) setRepairAlgo(algo *repairAlgo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repair = algo
}

// setLeaderState installs the outcome of a successful repair: the term new fragments are replicated to, and the
// transaction id the new leader resumes past. Leadership is not served until serve is called, which leaves room
// for restarts to be scheduled ahead of anything queued. An error persisting the leader state must end the promotion.
func (m *initiatorMailbox) setLeaderState(term *Term, resume TxnID) error {

	m.mu.Lock()
	m.term = term
	m.resumeTxnID = resume
	m.repair = nil
	m.restarted = map[TxnID]bool{}
	if resume != txnIDNotSet {
		m.txnIDs.AdvancePast(resume)
	}
	m.mu.Unlock()

	if err := m.log.saveLeaderState(&iv2_pb.LeaderState{
		ResumeTxnId: int64(resume),
		LeaderHsid:  int64(m.hsid),
	}); err != nil {
		return err
	}

	if resume != txnIDNotSet {
		purged, err := m.log.truncate(resume)
		if err != nil {
			return err
		}
		if purged > 0 {
			m.metrics.purged(purged)
			m.logger.Debugw("mailbox, purged completed entries from repair log",
				append(m.logKV(), "purged", purged)...)
		}
	}

	return nil
}

// serve starts leading. Fragments queued while unpromoted are led in arrival order, except those already restarted
// by this promotion.
func (m *initiatorMailbox) serve() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leader = true
	queued := m.queue
	m.queue = []*iv2_pb.InitiateTask{}

	skipped := 0
	for _, task := range queued {
		if task.TxnId != 0 && m.restarted[TxnID(task.TxnId)] {
			skipped++
			continue
		}
		m.leadLocked(task)
	}
	m.metrics.queued(0)

	m.logger.Infow("mailbox, serving as leader",
		append(m.logKVLocked(), "drained", len(queued)-skipped, "skippedRestarted", skipped)...)
}

// demote stops leading; fragments are queued again.
func (m *initiatorMailbox) demote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = false
	m.repair = nil
	m.logger.Infow("mailbox, no longer leader", m.logKVLocked()...)
}

// replicasLocked returns the replicas of the current term other than self and exclude.
func (m *initiatorMailbox) replicasLocked(exclude HSID) []HSID {
	if m.term == nil {
		return nil
	}
	replicas := make([]HSID, 0, len(m.term.InterestingHSIDs))
	for _, h := range m.term.InterestingHSIDs {
		if h != m.hsid && h != exclude {
			replicas = append(replicas, h)
		}
	}
	return replicas
}

// repairReplicasWith restarts an interrupted transaction: the replicas of the term other than exclude are told to
// restart it, and it is scheduled locally unless this replica already completed it. A transaction is restarted at
// most once per promotion.
func (m *initiatorMailbox) repairReplicasWith(exclude HSID, task *iv2_pb.InitiateTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txnID := TxnID(task.TxnId)
	if m.restarted[txnID] {
		m.logger.Debugw("mailbox, transaction already restarted", append(m.logKVLocked(), "txnID", txnID)...)
		return nil
	}

	task.ForRestart = true
	task.InitiatorHsid = int64(m.hsid)

	completed, err := m.completedLocally(txnID)
	if err != nil {
		return err
	}
	if !completed {
		if err := m.log.record(task); err != nil {
			return err
		}
	}
	m.restarted[txnID] = true

	m.send(m.replicasLocked(exclude), &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_RESTART, Task: task})
	if !completed {
		m.scheduler.schedule(task)
	}
	m.metrics.restarted()

	m.faultLog.Infow("restarting transaction",
		append(m.logKVLocked(), "txnID", txnID, "completedLocally", completed, "task", task)...)
	return nil
}

// completedLocally reports whether this replica's repair log holds txnID as completed.
func (m *initiatorMailbox) completedLocally(txnID TxnID) (bool, error) {
	e, err := m.log.get(txnID)
	if err != nil {
		return false, err
	}
	return e != nil && e.Completed, nil
}

// leadLocked initiates a fragment as leader.
func (m *initiatorMailbox) leadLocked(task *iv2_pb.InitiateTask) {

	if task.TxnId == 0 {
		task.TxnId = int64(m.txnIDs.Next())
	} else if TxnID(task.TxnId).Partition() == m.partition {
		m.txnIDs.AdvancePast(TxnID(task.TxnId))
	}
	task.InitiatorHsid = int64(m.hsid)

	if err := m.log.record(task); err != nil {
		return
	}
	m.send(m.replicasLocked(noHSID), &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_REPLICATE, Task: task})
	m.scheduler.schedule(task)
}

// handleFragment leads the fragment if leader, otherwise holds it until promotion.
func (m *initiatorMailbox) handleFragment(task *iv2_pb.InitiateTask) {
	if task == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.leader {
		m.queue = append(m.queue, task)
		m.metrics.queued(len(m.queue))
		m.logger.Debugw("mailbox, queued fragment until promotion",
			append(m.logKVLocked(), "txnID", TxnID(task.TxnId))...)
		return
	}

	m.leadLocked(task)
}

// completeTransaction marks a transaction completed. The leader tells its replicas, so that a future repair does not
// restart it.
func (m *initiatorMailbox) completeTransaction(txnID TxnID) {

	found, err := m.log.markCompleted(txnID)
	if err != nil || !found {
		return
	}

	m.mu.Lock()
	leader := m.leader
	replicas := m.replicasLocked(noHSID)
	m.mu.Unlock()

	if leader {
		m.send(replicas, &iv2_pb.Envelope{
			Kind:     iv2_pb.MessageKind_COMPLETE,
			Complete: &iv2_pb.Complete{TxnId: int64(txnID)},
		})
	}
}

// Deliver implements Endpoint.
func (m *initiatorMailbox) Deliver(env *iv2_pb.Envelope) {

	from := HSID(env.GetSourceHsid())

	switch env.GetKind() {
	case iv2_pb.MessageKind_FRAGMENT:
		m.handleFragment(env.GetTask())

	case iv2_pb.MessageKind_REPLICATE, iv2_pb.MessageKind_RESTART:
		task := env.GetTask()
		if task == nil {
			return
		}
		if env.GetKind() == iv2_pb.MessageKind_RESTART {
			completed, err := m.completedLocally(TxnID(task.TxnId))
			if err != nil {
				return
			}
			if completed {
				m.logger.Debugw("mailbox, ignoring restart of transaction completed here",
					append(m.logKV(), "from", from, "txnID", TxnID(task.TxnId))...)
				return
			}
		}
		if err := m.log.record(task); err != nil {
			return
		}
		m.scheduler.schedule(task)

	case iv2_pb.MessageKind_COMPLETE:
		_, _ = m.log.markCompleted(TxnID(env.GetComplete().GetTxnId()))

	case iv2_pb.MessageKind_STATE_QUERY:
		m.handleStateQuery(from, env.GetQuery())

	case iv2_pb.MessageKind_STATE_RESPONSE:
		m.mu.Lock()
		algo := m.repair
		m.mu.Unlock()
		if algo == nil || !algo.deliver(from, env.GetResponse()) {
			m.logger.Debugw("mailbox, dropped state response for retired repair round",
				append(m.logKV(), "from", from, "round", env.GetResponse().GetRoundId())...)
		}

	case iv2_pb.MessageKind_DUMP:
		m.handleDump(from, env.GetDump())

	default:
		m.logger.Infow("mailbox, dropped envelope of unknown kind",
			append(m.logKV(), "from", from, "kind", env.GetKind())...)
	}
}

func (m *initiatorMailbox) handleStateQuery(from HSID, query *iv2_pb.StateQuery) {

	entries, last, err := m.log.snapshot()
	if err != nil {
		return
	}

	response := &iv2_pb.StateResponse{RoundId: query.GetRoundId(), Entries: entries}
	if last != txnIDNotSet {
		response.MaxTxnId = int64(last)
	}

	m.send([]HSID{from}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_STATE_RESPONSE, Response: response})
}

// handleDump writes what this replica knows to the log, for postmortem of a fatal repair elsewhere in the cluster.
func (m *initiatorMailbox) handleDump(from HSID, dump *iv2_pb.Dump) {

	entries, last, err := m.log.snapshot()
	if err != nil {
		return
	}

	faultLog := m.faultLogger()
	kv := append(m.logKV(), "from", from, "reason", dump.GetReason(), "entries", len(entries), "last", last)
	m.logger.Errorw("mailbox, diagnostic dump requested", kv...)
	faultLog.Errorw("diagnostic dump", kv...)

	for _, e := range entries {
		if !e.GetCompleted() {
			m.logger.Errorw("mailbox, diagnostic dump, incomplete transaction",
				"hsid", m.hsid, "txnID", TxnID(e.GetTask().GetTxnId()), "task", e.GetTask())
		}
	}
}
