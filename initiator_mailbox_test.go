package initiator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyEndpoint records every envelope delivered to it; onDeliver, if set, runs after recording.
type spyEndpoint struct {
	mu        sync.Mutex
	envs      []*iv2_pb.Envelope
	onDeliver func(env *iv2_pb.Envelope)
}

func (s *spyEndpoint) Deliver(env *iv2_pb.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	f := s.onDeliver
	s.mu.Unlock()
	if f != nil {
		f(env)
	}
}

func (s *spyEndpoint) received(kind iv2_pb.MessageKind) []*iv2_pb.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := []*iv2_pb.Envelope{}
	for _, env := range s.envs {
		if env.Kind == kind {
			envs = append(envs, env)
		}
	}
	return envs
}

func testMailbox(t *testing.T, dir string, bus MessageBus, hsid HSID, partition PartitionID) *initiatorMailbox {
	logger := testLoggerGet().Sugar()
	l, err := openRepairLog(filepath.Join(dir, hsid.String()), hsid, logger, func(error) {})
	require.NoError(t, err)
	scheduler := newSiteScheduler(partition, &testBackend{}, logger)
	m := newInitiatorMailbox(hsid, partition, bus, l, scheduler, NewTxnIDGenerator(partition), nil, logger)
	require.NoError(t, bus.Register(hsid, m))
	return m
}

func drainScheduled(s *siteScheduler) []*iv2_pb.InitiateTask {
	tasks := []*iv2_pb.InitiateTask{}
	for task := s.next(); task != nil; task = s.next() {
		tasks = append(tasks, task)
	}
	return tasks
}

// A fragment queued before leadership, which also turns out to be interrupted, is executed exactly once.
func TestMailboxQueuedFragmentRestartedExactlyOnce(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	self, replica := MakeHSID(1, 0), MakeHSID(2, 0)
	spy := &spyEndpoint{}
	require.NoError(t, bus.Register(replica, spy))
	m := testMailbox(t, dir, bus, self, 0)
	defer m.log.close()

	T := MakeTxnID(7, MultiPartitionID)
	m.handleFragment(testTask(T))
	m.handleFragment(&iv2_pb.InitiateTask{PartitionId: 0, ProcName: "Fresh"})
	assert.Empty(t, drainScheduled(m.scheduler), "nothing runs before leadership")

	require.NoError(t, m.setLeaderState(newTerm(0, self, []HSID{self, replica}), MakeTxnID(5, 0)))
	require.NoError(t, m.repairReplicasWith(noHSID, testTask(T)))
	require.NoError(t, m.repairReplicasWith(noHSID, testTask(T)))
	m.serve()
	assert.True(t, m.isLeader())

	scheduled := drainScheduled(m.scheduler)
	require.Len(t, scheduled, 2)
	assert.Equal(t, T, TxnID(scheduled[0].TxnId), "restarts run ahead of queued work")
	assert.True(t, scheduled[0].ForRestart)
	assert.Equal(t, MakeTxnID(6, 0), TxnID(scheduled[1].TxnId), "new work resumes past the repaired state")
	assert.Equal(t, int64(self), scheduled[1].InitiatorHsid)

	eventually(t, time.Second, func() bool {
		return len(spy.received(iv2_pb.MessageKind_RESTART)) == 1 &&
			len(spy.received(iv2_pb.MessageKind_REPLICATE)) == 1
	}, "restart and replicate at replica")
	assert.Equal(t, int64(T), spy.received(iv2_pb.MessageKind_RESTART)[0].Task.TxnId)
	assert.Equal(t, int64(self), spy.received(iv2_pb.MessageKind_RESTART)[0].SourceHsid)

	e, err := m.log.get(T)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.False(t, e.Completed)

	t.Log("Completion is broadcast by the leader")
	m.completeTransaction(MakeTxnID(6, 0))
	eventually(t, time.Second, func() bool {
		return len(spy.received(iv2_pb.MessageKind_COMPLETE)) == 1
	}, "complete at replica")
	e, _ = m.log.get(MakeTxnID(6, 0))
	assert.True(t, e.Completed)

	t.Log("A later promotion may restart the same transaction again")
	m.demote()
	m.handleFragment(testTask(MakeTxnID(20, 0)))
	assert.Empty(t, drainScheduled(m.scheduler), "demoted mailbox queues again")
	require.NoError(t, m.setLeaderState(newTerm(0, self, []HSID{self}), MakeTxnID(6, 0)))
	require.NoError(t, m.repairReplicasWith(noHSID, testTask(T)))
	m.serve()
	scheduled = drainScheduled(m.scheduler)
	assert.Equal(t, []TxnID{T, MakeTxnID(20, 0)}, txnIDsOf(scheduled))
	assert.Equal(t, MakeTxnID(20, 0), m.txnIDs.Last(), "explicit ids of the partition move the generator")
}

func TestMailboxReplicaHandling(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	leader, self := MakeHSID(1, 0), MakeHSID(2, 0)
	spy := &spyEndpoint{}
	require.NoError(t, bus.Register(leader, spy))
	m := testMailbox(t, dir, bus, self, 0)
	defer m.log.close()

	a, b := MakeTxnID(1, 0), MakeTxnID(2, 0)
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_REPLICATE, SourceHsid: int64(leader),
		Task: testTask(a)})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_REPLICATE, SourceHsid: int64(leader),
		Task: testTask(b)})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_COMPLETE, SourceHsid: int64(leader),
		Complete: &iv2_pb.Complete{TxnId: int64(a)}})
	// Nothing for these to do; they must not upset the mailbox.
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_STATE_RESPONSE, SourceHsid: int64(leader),
		Response: &iv2_pb.StateResponse{RoundId: "retired"}})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_DUMP, SourceHsid: int64(leader),
		Dump: &iv2_pb.Dump{Reason: "testing"}})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_UNKNOWN, SourceHsid: int64(leader)})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_STATE_QUERY, SourceHsid: int64(leader),
		Query: &iv2_pb.StateQuery{RoundId: "round-1", PartitionId: 0}})

	eventually(t, time.Second, func() bool {
		return len(spy.received(iv2_pb.MessageKind_STATE_RESPONSE)) == 1
	}, "state response")

	rsp := spy.received(iv2_pb.MessageKind_STATE_RESPONSE)[0]
	assert.Equal(t, int64(self), rsp.SourceHsid)
	assert.Equal(t, "round-1", rsp.Response.RoundId)
	assert.Equal(t, int64(b), rsp.Response.MaxTxnId)
	require.Len(t, rsp.Response.Entries, 2)
	assert.True(t, rsp.Response.Entries[0].Completed)
	assert.False(t, rsp.Response.Entries[1].Completed)

	assert.Equal(t, []TxnID{a, b}, txnIDsOf(drainScheduled(m.scheduler)), "replicated work is scheduled in order")
	assert.False(t, m.isLeader())

	t.Log("A fragment routed to a replica is held, not executed")
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_FRAGMENT, Task: testTask(MakeTxnID(3, 0))})
	eventually(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.queue) == 1
	}, "fragment queued")
	assert.Empty(t, drainScheduled(m.scheduler))
}

func TestMailboxRoutesResponsesToActiveRound(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	self, replica := MakeHSID(1, 0), MakeHSID(2, 0)
	m := testMailbox(t, dir, bus, self, 0)
	defer m.log.close()
	peerDir := filepath.Join(dir, "peer")
	require.NoError(t, os.Mkdir(peerDir, 0755))
	peer := testMailbox(t, peerDir, bus, replica, 0)
	defer peer.log.close()

	require.NoError(t, peer.log.record(testTask(MakeTxnID(4, 0))))

	term := newTerm(0, self, []HSID{self, replica})
	stale := newSpRepairAlgo(term, self, m, time.Second, m.logger, m.faultLogger())
	m.setRepairAlgo(stale)
	algo := newSpRepairAlgo(term, self, m, time.Second, m.logger, m.faultLogger())
	m.setRepairAlgo(algo)

	select {
	case result := <-algo.start(context.Background()):
		require.NoError(t, result.err)
		assert.True(t, result.success)
		assert.Equal(t, []HSID{self, replica}, result.responders)
		assert.Equal(t, []TxnID{MakeTxnID(4, 0)}, txnIDsOf(result.restart))
		assert.Equal(t, MakeTxnID(4, 0), result.resumeTxnID)
	case <-time.After(2 * time.Second):
		t.Fatal("repair round through the bus did not complete")
	}
}

// A restart reaching a replica which already completed the transaction must not run it a second time.
func TestMailboxRestartOfCompletedTransaction(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	leader, self := MakeHSID(1, 0), MakeHSID(2, 0)
	spy := &spyEndpoint{}
	require.NoError(t, bus.Register(leader, spy))
	m := testMailbox(t, dir, bus, self, 0)
	defer m.log.close()

	T, U := MakeTxnID(3, 0), MakeTxnID(4, 0)
	from := int64(leader)
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_REPLICATE, SourceHsid: from, Task: testTask(T)})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_COMPLETE, SourceHsid: from,
		Complete: &iv2_pb.Complete{TxnId: int64(T)}})
	restart := testTask(T)
	restart.ForRestart = true
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_RESTART, SourceHsid: from, Task: restart})
	// A restart of something never completed here still runs.
	restart = testTask(U)
	restart.ForRestart = true
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_RESTART, SourceHsid: from, Task: restart})
	bus.Send([]HSID{self}, &iv2_pb.Envelope{Kind: iv2_pb.MessageKind_STATE_QUERY, SourceHsid: from,
		Query: &iv2_pb.StateQuery{RoundId: "after", PartitionId: 0}})

	eventually(t, time.Second, func() bool {
		return len(spy.received(iv2_pb.MessageKind_STATE_RESPONSE)) == 1
	}, "state response")

	assert.Equal(t, []TxnID{T, U}, txnIDsOf(drainScheduled(m.scheduler)), "completed transaction runs once")
	e, err := m.log.get(T)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Completed, "restart does not reopen a completed transaction")

	t.Log("A new leader which completed the transaction itself only tells its replicas")
	replica := MakeHSID(3, 0)
	other := &spyEndpoint{}
	require.NoError(t, bus.Register(replica, other))
	require.NoError(t, m.setLeaderState(newTerm(0, self, []HSID{self, replica}), txnIDNotSet))
	require.NoError(t, m.repairReplicasWith(noHSID, testTask(T)))
	m.serve()

	assert.Empty(t, drainScheduled(m.scheduler))
	e, err = m.log.get(T)
	require.NoError(t, err)
	assert.True(t, e.Completed)
	eventually(t, time.Second, func() bool {
		return len(other.received(iv2_pb.MessageKind_RESTART)) == 1
	}, "restart at replica")
}

// Failing to persist the outcome of a repair is reported to the caller, and nothing is marked restarted.
func TestMailboxLeaderStatePersistenceFailure(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	bus := NewLocalBus(testLoggerGet(), 0)
	defer bus.Close()

	self := MakeHSID(1, 0)
	m := testMailbox(t, dir, bus, self, 0)
	require.NoError(t, m.log.close())

	T := MakeTxnID(2, 0)
	assert.Error(t, m.setLeaderState(newTerm(0, self, []HSID{self}), T))
	assert.Error(t, m.repairReplicasWith(noHSID, testTask(T)))

	m.mu.Lock()
	restarted := m.restarted[T]
	m.mu.Unlock()
	assert.False(t, restarted)
	assert.Empty(t, drainScheduled(m.scheduler))
}
