package initiator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvNotification(t *testing.T, ch <-chan bool) (bool, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for leader notification")
	}
	return false, false
}

func TestLocalCoordinatorElection(t *testing.T) {

	c := NewLocalCoordinator(testLoggerGet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := MakeHSID(0, 1), MakeHSID(1, 1)
	ta, err := c.RegisterCandidate(1, a)
	require.NoError(t, err)
	tb, err := c.RegisterCandidate(1, b)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ta.Path, "/db/leaders/initiators/partition_1/"))
	assert.True(t, ta.Sequence < tb.Sequence)

	members, err := c.Members(1)
	require.NoError(t, err)
	assert.Equal(t, []HSID{a, b}, members)

	wa, err := c.WatchLeader(ctx, ta)
	require.NoError(t, err)
	wb, err := c.WatchLeader(ctx, tb)
	require.NoError(t, err)

	isLeader, ok := recvNotification(t, wa)
	assert.True(t, ok && isLeader, "first registration is leader-elect")
	isLeader, ok = recvNotification(t, wb)
	assert.True(t, ok && !isLeader)

	// Renotify repeats the verdict.
	c.Renotify(1)
	isLeader, ok = recvNotification(t, wa)
	assert.True(t, ok && isLeader)
	isLeader, ok = recvNotification(t, wb)
	assert.True(t, ok && !isLeader)

	// Host 0 fails; its registration goes and b takes over.
	c.ExpireHost(0)
	_, ok = recvNotification(t, wa)
	assert.False(t, ok, "watch of an expired registration is closed")
	isLeader, ok = recvNotification(t, wb)
	assert.True(t, ok && isLeader)

	members, err = c.Members(1)
	require.NoError(t, err)
	assert.Equal(t, []HSID{b}, members)

	_, err = c.WatchLeader(ctx, ta)
	assert.Equal(t, InitiatorErrorCoordinationUnavailable, errors.Cause(err))
}

func TestLocalCoordinatorWatchCancel(t *testing.T) {

	c := NewLocalCoordinator(nil)
	token, err := c.RegisterCandidate(0, MakeHSID(0, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := c.WatchLeader(ctx, token)
	require.NoError(t, err)
	recvNotification(t, w)

	cancel()
	_, ok := recvNotification(t, w)
	assert.False(t, ok)
}

func TestLocalCoordinatorLeaderCacheAndShutdown(t *testing.T) {

	c := NewLocalCoordinator(nil)
	lc := NewLeaderCache(c, testLoggerGet())

	_, ok, err := lc.Get(2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lc.Put(2, MakeHSID(0, 2)))
	require.NoError(t, lc.Put(2, MakeHSID(1, 2)))
	leader, ok, err := lc.Get(2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MakeHSID(1, 2), leader, "last writer wins")

	token, err := c.RegisterCandidate(2, MakeHSID(1, 2))
	require.NoError(t, err)
	w, err := c.WatchLeader(context.Background(), token)
	require.NoError(t, err)
	recvNotification(t, w)

	c.Shutdown()
	_, ok = recvNotification(t, w)
	assert.False(t, ok, "shutdown closes every watch")

	_, err = c.RegisterCandidate(2, MakeHSID(2, 2))
	assert.Equal(t, InitiatorErrorCoordinationUnavailable, errors.Cause(err))
	_, err = c.Members(2)
	assert.Equal(t, InitiatorErrorCoordinationUnavailable, errors.Cause(err))
	err = lc.Put(2, MakeHSID(2, 2))
	assert.Equal(t, InitiatorErrorCoordinationUnavailable, errors.Cause(err))
	_, _, err = lc.Get(2)
	assert.Equal(t, InitiatorErrorCoordinationUnavailable, errors.Cause(err))
}
