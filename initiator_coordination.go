package initiator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Coordination service paths. Every partition (and the multi-partition role) has an election directory holding one
// ephemeral, sequential child per candidate replica. The child payload is the candidate HSID in decimal.
const (
	electionRootPath    = "/db/leaders/initiators"
	leaderCacheRootPath = "/db/iv2masters"
)

func electionDirForPartition(p PartitionID) string {
	return fmt.Sprintf("%s/partition_%d", electionRootPath, p)
}

func leaderCachePathForPartition(p PartitionID) string {
	return fmt.Sprintf("%s/%d", leaderCacheRootPath, p)
}

// CandidateToken identifies a registration in a partition's election directory.
type CandidateToken struct {
	Partition PartitionID
	HSID      HSID
	// Path is the full path of the ephemeral child.
	Path string
	// Sequence is the creation order within the election directory; lowest surviving sequence is leader-elect.
	Sequence int64
}

// CoordinationService is the ephemeral-membership primitive leadership is built on. The earliest surviving
// registration in a partition's election directory is leader-elect. Registrations belong to the registering host
// and disappear when the host's session expires.
//
// Errors whose cause is InitiatorErrorCoordinationUnavailable are fatal to the caller; they are not retried locally.
type CoordinationService interface {
	// RegisterCandidate creates an ephemeral sequential child for hsid under the partition's election directory.
	RegisterCandidate(partition PartitionID, hsid HSID) (CandidateToken, error)
	// WatchLeader returns a stream of leader-elect notifications for the registration. The current status is
	// delivered straight away; the channel is closed if the registration goes away or ctx is cancelled.
	WatchLeader(ctx context.Context, token CandidateToken) (<-chan bool, error)
	// Members returns the surviving registrations for the partition in election order.
	Members(partition PartitionID) ([]HSID, error)
	// Publish writes the leader of a partition to the leader cache namespace. Last writer wins.
	Publish(partition PartitionID, hsid HSID) error
	// Lookup reads the leader cache namespace; ok is false if no leader has been published.
	Lookup(partition PartitionID) (hsid HSID, ok bool, err error)
}

type ephemeralNode struct {
	path     string
	payload  string
	hostID   int32
	sequence int64
}

type leaderWatcher struct {
	token   CandidateToken
	updates chan bool
	last    bool
	closed  bool
}

// push conflates notifications; a consumer which is slow only ever sees the latest status. Called with the
// coordinator lock held, which makes the coordinator the only producer.
func (w *leaderWatcher) push(isLeader bool) {
	if w.closed {
		return
	}
	select {
	case <-w.updates:
	default:
	}
	w.updates <- isLeader
	w.last = isLeader
}

func (w *leaderWatcher) close() {
	if !w.closed {
		w.closed = true
		close(w.updates)
	}
}

// LocalCoordinator is an in-process CoordinationService. Host sessions are implicit: every registration belongs to
// the host encoded in the candidate HSID, and ExpireHost plays the part of session expiry on host failure.
type LocalCoordinator struct {
	mu        sync.Mutex
	sequence  int64
	elections map[string][]*ephemeralNode
	published map[string]string
	watchers  map[*leaderWatcher]struct{}
	down      bool
	logger    *zap.SugaredLogger
}

// NewLocalCoordinator returns an empty in-process coordination service. A nil logger disables logging.
func NewLocalCoordinator(logger *zap.Logger) *LocalCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalCoordinator{
		elections: map[string][]*ephemeralNode{},
		published: map[string]string{},
		watchers:  map[*leaderWatcher]struct{}{},
		logger:    logger.Sugar().Named("coordinator"),
	}
}

func (c *LocalCoordinator) unavailable(op string) error {
	return initiatorErrorf(InitiatorErrorCoordinationUnavailable, "%s", op)
}

// RegisterCandidate implements CoordinationService.
func (c *LocalCoordinator) RegisterCandidate(partition PartitionID, hsid HSID) (CandidateToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		return CandidateToken{}, c.unavailable("register candidate")
	}

	c.sequence++
	dir := electionDirForPartition(partition)
	node := &ephemeralNode{
		path:     fmt.Sprintf("%s/%d_%010d", dir, hsid, c.sequence),
		payload:  strconv.FormatInt(int64(hsid), 10),
		hostID:   hsid.HostID(),
		sequence: c.sequence,
	}
	c.elections[dir] = append(c.elections[dir], node)

	c.logger.Debugw("coordinator, registered candidate",
		"partition", partition, "hsid", hsid, "path", node.path)

	c.evaluateLocked()

	return CandidateToken{Partition: partition, HSID: hsid, Path: node.path, Sequence: node.sequence}, nil
}

// WatchLeader implements CoordinationService.
func (c *LocalCoordinator) WatchLeader(ctx context.Context, token CandidateToken) (<-chan bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		return nil, c.unavailable("watch leader")
	}

	if c.findLocked(token) == nil {
		return nil, initiatorErrorf(InitiatorErrorCoordinationUnavailable,
			"watch leader, registration %s no longer exists", token.Path)
	}

	w := &leaderWatcher{token: token, updates: make(chan bool, 1)}
	c.watchers[w] = struct{}{}
	w.push(c.isLeaderLocked(token))

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, w)
		w.close()
	}()

	return w.updates, nil
}

// Members implements CoordinationService.
func (c *LocalCoordinator) Members(partition PartitionID) ([]HSID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		return nil, c.unavailable("members")
	}

	nodes := c.elections[electionDirForPartition(partition)]
	members := make([]HSID, 0, len(nodes))
	for _, n := range nodes {
		hsid, err := ParseHSID(n.payload)
		if err != nil {
			return nil, err
		}
		members = append(members, hsid)
	}
	return members, nil
}

// Publish implements CoordinationService.
func (c *LocalCoordinator) Publish(partition PartitionID, hsid HSID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		return c.unavailable("publish leader")
	}
	c.published[leaderCachePathForPartition(partition)] = strconv.FormatInt(int64(hsid), 10)
	return nil
}

// Lookup implements CoordinationService.
func (c *LocalCoordinator) Lookup(partition PartitionID) (HSID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		return 0, false, c.unavailable("lookup leader")
	}
	payload, ok := c.published[leaderCachePathForPartition(partition)]
	if !ok {
		return 0, false, nil
	}
	hsid, err := ParseHSID(payload)
	return hsid, err == nil, err
}

// ExpireHost removes every ephemeral registration owned by the host, as session expiry would on host failure, and
// re-evaluates leadership for every watcher.
func (c *LocalCoordinator) ExpireHost(hostID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for dir, nodes := range c.elections {
		kept := nodes[:0]
		for _, n := range nodes {
			if n.hostID == hostID {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		c.elections[dir] = kept
	}

	c.logger.Infow("coordinator, host session expired", "hostID", hostID, "removed", removed)
	c.evaluateLocked()
}

// Renotify re-sends the current leader-elect status to every watcher of the partition, whether or not it changed.
// Failure detectors may deliver the same verdict more than once; this reproduces that.
func (c *LocalCoordinator) Renotify(partition PartitionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for w := range c.watchers {
		if w.token.Partition == partition {
			w.push(c.isLeaderLocked(w.token))
		}
	}
}

// Shutdown makes the coordination service unavailable. Every watch is closed and every subsequent call fails.
func (c *LocalCoordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.down = true
	for w := range c.watchers {
		w.close()
		delete(c.watchers, w)
	}
}

func (c *LocalCoordinator) findLocked(token CandidateToken) *ephemeralNode {
	for _, n := range c.elections[electionDirForPartition(token.Partition)] {
		if n.path == token.Path {
			return n
		}
	}
	return nil
}

func (c *LocalCoordinator) isLeaderLocked(token CandidateToken) bool {
	nodes := c.elections[electionDirForPartition(token.Partition)]
	if len(nodes) == 0 {
		return false
	}
	lowest := nodes[0]
	for _, n := range nodes[1:] {
		if n.sequence < lowest.sequence {
			lowest = n
		}
	}
	return lowest.path == token.Path
}

// evaluateLocked pushes changed leader-elect status to watchers and closes the watch of any registration which no
// longer exists.
func (c *LocalCoordinator) evaluateLocked() {
	for w := range c.watchers {
		if c.findLocked(w.token) == nil {
			w.close()
			delete(c.watchers, w)
			continue
		}
		isLeader := c.isLeaderLocked(w.token)
		if isLeader != w.last {
			w.push(isLeader)
		}
	}
}

// sortHSIDs sorts in place and returns the slice for convenience.
func sortHSIDs(hsids []HSID) []HSID {
	sort.Slice(hsids, func(i, j int) bool { return hsids[i] < hsids[j] })
	return hsids
}
