package initiator

import (
	"go.uber.org/zap"
)

// LeaderCache is the cluster visible mapping from partition to the HSID of its current leader, published in the
// coordination service leader namespace. It is written only once promotion succeeds, last writer wins, and it is
// never read by the promotion path; it exists for request routing elsewhere in the cluster.
type LeaderCache struct {
	coord  CoordinationService
	logger *zap.SugaredLogger
}

// NewLeaderCache returns a leader cache over the coordination service. A nil logger disables logging.
func NewLeaderCache(coord CoordinationService, logger *zap.Logger) *LeaderCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderCache{coord: coord, logger: logger.Sugar().Named("leadercache")}
}

// Put publishes hsid as leader of the partition.
func (c *LeaderCache) Put(partition PartitionID, hsid HSID) error {
	if err := c.coord.Publish(partition, hsid); err != nil {
		err = initiatorErrorf(err, "publish leader %s for partition %s", hsid, partition)
		c.logger.Errorw("leader cache, publish failed", "partition", partition, "hsid", hsid, initiatorErrKeyword, err)
		return err
	}
	c.logger.Infow("leader cache, published leader", "partition", partition, "hsid", hsid)
	return nil
}

// Get returns the published leader of the partition. ok is false if none is known; callers should route elsewhere or
// retry.
func (c *LeaderCache) Get(partition PartitionID) (hsid HSID, ok bool, err error) {
	hsid, ok, err = c.coord.Lookup(partition)
	if err != nil {
		return 0, false, initiatorErrorf(err, "look up leader for partition %s", partition)
	}
	return hsid, ok, nil
}
