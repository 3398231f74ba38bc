package initiator

import (
	"fmt"
	"strconv"

	"go.uber.org/atomic"
)

// PartitionID identifies a shard of the data set.
type PartitionID int32

const (
	partitionIDBits = 14
	sequenceBits    = 49
	// partitionIDMax is the largest partition id which fits in a transaction id.
	partitionIDMax = PartitionID(1<<partitionIDBits - 1)
	sequenceMax    = int64(1<<sequenceBits - 1)
)

// MultiPartitionID is the partition id reserved for the multi-partition coordinator role; logically the partition
// which spans all partitions. Data partitions are numbered [0, MultiPartitionID).
const MultiPartitionID = partitionIDMax

func (p PartitionID) String() string {
	if p == MultiPartitionID {
		return "MP"
	}
	return strconv.Itoa(int(p))
}

// HSID names one replica's message endpoint for a given partition role. The host id occupies the low 32 bits and the
// site id the high 32 bits.
type HSID int64

// MakeHSID composes an HSID from host and site.
func MakeHSID(hostID, siteID int32) HSID {
	return HSID(int64(siteID)<<32 | int64(uint32(hostID)))
}

// HostID returns the host part of the HSID.
func (h HSID) HostID() int32 {
	return int32(uint32(h))
}

// SiteID returns the site part of the HSID.
func (h HSID) SiteID() int32 {
	return int32(int64(h) >> 32)
}

func (h HSID) String() string {
	return fmt.Sprintf("%d:%d", h.HostID(), h.SiteID())
}

// ParseHSID parses the decimal rendering of an HSID used as coordination service payload.
func ParseHSID(s string) (HSID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, initiatorErrorf(err, "parse HSID from '%s'", s)
	}
	return HSID(v), nil
}

// TxnID carries the partition id in the low 14 bits and a per-partition sequence in the 49 bits above. TxnIDs of a
// partition are totally ordered by sequence.
type TxnID int64

// txnIDNotSet is smaller than any valid transaction id.
const txnIDNotSet = TxnID(-1)

// MakeTxnID builds a transaction id from sequence and partition.
func MakeTxnID(sequence int64, partition PartitionID) TxnID {
	return TxnID(sequence<<partitionIDBits | int64(partition&partitionIDMax))
}

// Sequence returns the per-partition sequence of the transaction id.
func (t TxnID) Sequence() int64 {
	return int64(t) >> partitionIDBits & sequenceMax
}

// Partition returns the partition which generated the transaction id.
func (t TxnID) Partition() PartitionID {
	return PartitionID(int64(t) & int64(partitionIDMax))
}

// IsMultiPartition is true for transaction ids minted by the multi-partition coordinator.
func (t TxnID) IsMultiPartition() bool {
	return t.Partition() == MultiPartitionID
}

func (t TxnID) String() string {
	if t == txnIDNotSet {
		return "unset"
	}
	return fmt.Sprintf("%d:%s", t.Sequence(), t.Partition())
}

// TxnIDGenerator produces strictly increasing, partition-tagged transaction ids. It is safe for concurrent use.
type TxnIDGenerator struct {
	partition PartitionID
	sequence  *atomic.Int64
}

// NewTxnIDGenerator returns a generator for partition; the first id generated has sequence 1.
func NewTxnIDGenerator(partition PartitionID) *TxnIDGenerator {
	return &TxnIDGenerator{
		partition: partition,
		sequence:  atomic.NewInt64(0),
	}
}

// Next returns the next transaction id.
func (g *TxnIDGenerator) Next() TxnID {
	return MakeTxnID(g.sequence.Inc(), g.partition)
}

// Last returns the most recently generated (or advanced past) transaction id.
func (g *TxnIDGenerator) Last() TxnID {
	return MakeTxnID(g.sequence.Load(), g.partition)
}

// AdvancePast moves the generator such that subsequent ids sort after txnID. The generator never moves backwards.
// Used by a new leader to resume above whatever the previous leader handed out.
func (g *TxnIDGenerator) AdvancePast(txnID TxnID) {
	target := txnID.Sequence()
	for {
		current := g.sequence.Load()
		if current >= target {
			return
		}
		if g.sequence.CAS(current, target) {
			return
		}
	}
}
