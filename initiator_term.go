package initiator

import (
	"time"
)

// Term tracks one leadership epoch for a partition: the replicas a promoting leader must reconcile with. A Term is
// computed fresh for every promotion attempt and never modified once a repair algorithm has been built from it.
type Term struct {
	PartitionID PartitionID
	StartTime   time.Time
	// InterestingHSIDs is sorted and free of duplicates. It must include every replica which could have taken part in
	// a transaction under the previous leader.
	InterestingHSIDs []HSID
}

func (t *Term) logKV() []interface{} {
	return []interface{}{
		"termPartition", t.PartitionID,
		"termStart", t.StartTime,
		"interesting", t.InterestingHSIDs,
	}
}

func (t *Term) contains(hsid HSID) bool {
	for _, h := range t.InterestingHSIDs {
		if h == hsid {
			return true
		}
	}
	return false
}

// termInputs is what a term strategy needs to read cluster membership.
type termInputs struct {
	coord              CoordinationService
	partition          PartitionID
	self               HSID
	numberOfPartitions int
}

// termStrategy computes the interesting set for one role. Apart from reads of cluster membership it has no side
// effects.
type termStrategy func(in termInputs) (*Term, error)

// computeSpTerm returns every surviving replica of the partition.
func computeSpTerm(in termInputs) (*Term, error) {

	members, err := in.coord.Members(in.partition)
	if err != nil {
		return nil, initiatorErrorf(err, "compute term for partition %s", in.partition)
	}

	return newTerm(in.partition, in.self, members), nil
}

// computeMpTerm returns every surviving multi-partition replica, plus the leader-elect of every data partition;
// data partition leaders carry the fragments of multi-partition transactions and must be consulted too.
func computeMpTerm(in termInputs) (*Term, error) {

	members, err := in.coord.Members(in.partition)
	if err != nil {
		return nil, initiatorErrorf(err, "compute multi-partition term")
	}

	for p := 0; p < in.numberOfPartitions; p++ {
		partitionMembers, err := in.coord.Members(PartitionID(p))
		if err != nil {
			return nil, initiatorErrorf(err, "compute multi-partition term, reading partition %d", p)
		}
		if len(partitionMembers) > 0 {
			members = append(members, partitionMembers[0])
		}
	}

	return newTerm(in.partition, in.self, members), nil
}

func newTerm(partition PartitionID, self HSID, members []HSID) *Term {

	seen := map[HSID]bool{self: true}
	interesting := []HSID{self}
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			interesting = append(interesting, m)
		}
	}

	return &Term{
		PartitionID:      partition,
		StartTime:        time.Now(),
		InterestingHSIDs: sortHSIDs(interesting),
	}
}
