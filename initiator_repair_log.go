package initiator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/golang/protobuf/proto"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bolt bucket names for the repair log and persisted leader state.
const (
	dbBucketRepairLog   = "RepairLog"
	dbBucketLeaderState = "LeaderState"
)

// repairLog is the per-mailbox record of every transaction this replica has seen for its role, and whether it
// completed. It is what a replica reports when a promoting leader queries it. Any persistence failure is escalated
// as fatal through the fatal callback; the replica can no longer take part in repair truthfully.
type repairLog struct {
	db     *bolt.DB
	hsid   HSID
	logger *zap.SugaredLogger
	fatal  func(error)
}

// txnIDGetSerialisedKey returns the key for a transaction. Big endian encoding makes bolt cursor order match
// transaction id order for the (positive) ids we mint.
func txnIDGetSerialisedKey(txnID TxnID) []byte {
	var key bytes.Buffer
	binary.Write(&key, binary.BigEndian, int64(txnID))
	return key.Bytes()
}

func txnIDFromSerialisedKey(b []byte) (TxnID, error) {
	var txnID int64
	buf := bytes.NewBuffer(b)
	err := binary.Read(buf, binary.BigEndian, &txnID)
	return TxnID(txnID), err
}

func repairLogEntryFromSerialised(b []byte) (*iv2_pb.RepairLogEntry, error) {
	var e iv2_pb.RepairLogEntry
	err := proto.Unmarshal(b, &e)
	return &e, err
}

func (l *repairLog) logKV() []interface{} {
	return []interface{}{"obj", "repairLog", "hsid", l.hsid, "path", l.db.Path()}
}

func (l *repairLog) failed(err error, format string, args ...interface{}) error {
	err = initiatorErrorf(err, format, args...)
	l.logger.Errorw("repair log operation failed", append(l.logKV(), initiatorErrKeyword, err)...)
	l.fatal(err)
	return err
}

// openRepairLog opens (or creates) the bolt DB at path and sets up buckets.
func openRepairLog(path string, hsid HSID, logger *zap.SugaredLogger, fatal func(error)) (*repairLog, error) {

	opts := *bolt.DefaultOptions
	// Time to block trying to achieve flock on DB. We do not expect contention here, so we provide an arbitrary
	// small amount of time to avoid blocking indefinitely if a lock is held on the DB (like when we try and run
	// multiple instances of the same replica).
	opts.Timeout = time.Second * 3

	db, err := bolt.Open(path, 0666, &opts)
	if err != nil {
		err = initiatorErrorf(InitiatorErrorRepairLog,
			"open bbolt DB '%s' for repair log failed (is another process using the DB?) [%v]", path, err)
		logger.Errorw("initialising repair log", "path", path, initiatorErrKeyword, err)
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{dbBucketRepairLog, dbBucketLeaderState} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		err = initiatorErrorf(InitiatorErrorRepairLog, "creating bbolt buckets for repair log failed [%v]", err)
		logger.Errorw("initialising repair log", "path", path, initiatorErrKeyword, err)
		return nil, err
	}

	return &repairLog{db: db, hsid: hsid, logger: logger, fatal: fatal}, nil
}

// record adds a transaction to the log as incomplete. A transaction already recorded as completed stays completed
// unless it is being restarted.
func (l *repairLog) record(task *iv2_pb.InitiateTask) error {

	key := txnIDGetSerialisedKey(TxnID(task.TxnId))

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketRepairLog))
		if existing := bucket.Get(key); existing != nil && !task.ForRestart {
			e, err := repairLogEntryFromSerialised(existing)
			if err != nil {
				return err
			}
			if e.Completed {
				return nil
			}
		}
		val, err := proto.Marshal(&iv2_pb.RepairLogEntry{Task: task})
		if err != nil {
			return err
		}
		return bucket.Put(key, val)
	})
	if err != nil {
		return l.failed(err, "record transaction %s", TxnID(task.TxnId))
	}

	return nil
}

// markCompleted flags a recorded transaction as completed. Unknown transactions are ignored; there is nothing this
// replica could report about them.
func (l *repairLog) markCompleted(txnID TxnID) (bool, error) {

	key := txnIDGetSerialisedKey(txnID)
	found := false

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketRepairLog))
		data := bucket.Get(key)
		if data == nil {
			return nil
		}
		e, err := repairLogEntryFromSerialised(data)
		if err != nil {
			return err
		}
		found = true
		if e.Completed {
			return nil
		}
		e.Completed = true
		val, err := proto.Marshal(e)
		if err != nil {
			return err
		}
		return bucket.Put(key, val)
	})
	if err != nil {
		return false, l.failed(err, "mark transaction %s completed", txnID)
	}

	return found, nil
}

// get returns the entry for a transaction, or nil if it is not in the log.
func (l *repairLog) get(txnID TxnID) (*iv2_pb.RepairLogEntry, error) {

	var e *iv2_pb.RepairLogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		data := tx.Bucket([]byte(dbBucketRepairLog)).Get(txnIDGetSerialisedKey(txnID))
		if data != nil {
			e, err = repairLogEntryFromSerialised(data)
		}
		return err
	})
	if err != nil {
		return nil, l.failed(err, "single entry from repair log failed to deserialise, corrupted data in bbolt db?")
	}

	return e, nil
}

// snapshot returns every entry in transaction id order, along with the largest transaction id recorded.
func (l *repairLog) snapshot() ([]*iv2_pb.RepairLogEntry, TxnID, error) {

	entries := []*iv2_pb.RepairLogEntry{}
	last := txnIDNotSet

	err := l.db.View(func(tx *bolt.Tx) error {
		iterator := tx.Bucket([]byte(dbBucketRepairLog)).Cursor()
		for k, v := iterator.First(); k != nil; k, v = iterator.Next() {
			e, err := repairLogEntryFromSerialised(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		k, _ := iterator.Last()
		if k != nil {
			var err error
			last, err = txnIDFromSerialisedKey(k)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, txnIDNotSet, l.failed(err, "snapshot repair log")
	}

	return entries, last, nil
}

// truncate deletes completed entries up to and including upTo. Incomplete entries are kept whatever their id; they
// may still need a restart.
func (l *repairLog) truncate(upTo TxnID) (int, error) {

	purged := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketRepairLog))
		iterator := bucket.Cursor()
		end := txnIDGetSerialisedKey(upTo)
		// Deleting under the cursor while iterating skips entries; collect first.
		completed := [][]byte{}
		for k, v := iterator.First(); k != nil && bytes.Compare(k, end) <= 0; k, v = iterator.Next() {
			e, err := repairLogEntryFromSerialised(v)
			if err != nil {
				return err
			}
			if e.Completed {
				completed = append(completed, append([]byte{}, k...))
			}
		}
		for _, k := range completed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, l.failed(err, "truncate repair log up to %s", upTo)
	}

	return purged, nil
}

func (l *repairLog) leaderStateKey() []byte {
	return []byte(fmt.Sprintf("LeaderState[%d]", l.hsid))
}

// saveLeaderState persists the resumption state installed by the last successful promotion.
func (l *repairLog) saveLeaderState(state *iv2_pb.LeaderState) error {

	data, err := proto.Marshal(state)
	if err == nil {
		err = l.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(dbBucketLeaderState)).Put(l.leaderStateKey(), data)
		})
	}
	if err != nil {
		return l.failed(err, "failed to save leader state")
	}

	return nil
}

// loadLeaderState returns the persisted leader state, or nil if this replica was never promoted.
func (l *repairLog) loadLeaderState() (*iv2_pb.LeaderState, error) {

	var state *iv2_pb.LeaderState
	err := l.db.View(func(tx *bolt.Tx) error {
		stream := tx.Bucket([]byte(dbBucketLeaderState)).Get(l.leaderStateKey())
		if stream == nil {
			return nil
		}
		state = &iv2_pb.LeaderState{}
		return proto.Unmarshal(stream, state)
	})
	if err != nil {
		return nil, l.failed(err, "loading leader state")
	}

	return state, nil
}

func (l *repairLog) close() error {
	if err := l.db.Close(); err != nil {
		err = initiatorErrorf(InitiatorErrorRepairLog, "repair log shutdown, bbolt complained [%v]", err)
		l.logger.Errorw("closing repair log", append(l.logKV(), initiatorErrKeyword, err)...)
		return err
	}
	return nil
}
