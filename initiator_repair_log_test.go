package initiator

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

func testRepairLogOpen(t *testing.T, path string) (*repairLog, *atomic.Int32) {
	fatals := atomic.NewInt32(0)
	l, err := openRepairLog(path, MakeHSID(1, 0), testLoggerGet().Sugar(), func(error) { fatals.Inc() })
	if err != nil {
		t.Fatal(err)
	}
	return l, fatals
}

func TestRepairLogBasicOperations(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)

	l, fatals := testRepairLogOpen(t, filepath.Join(dir, "repairlog"))

	entries, last, err := l.snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || last != txnIDNotSet {
		t.Errorf("expect empty log, got %d entries, last %s", len(entries), last)
	}

	t.Log("Test adding log entries")
	addCount := int64(257)
	for seq := int64(1); seq <= addCount; seq++ {
		if err = l.record(testTask(MakeTxnID(seq, 0))); err != nil {
			t.Fatal(err)
		}
	}
	// A multi-partition fragment sorts by sequence along with everything else.
	mp := MakeTxnID(100, MultiPartitionID)
	if err = l.record(testTask(mp)); err != nil {
		t.Fatal(err)
	}

	entries, last, err = l.snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(entries)) != addCount+1 {
		t.Errorf("expect %d entries, got %d", addCount+1, len(entries))
	}
	if last != MakeTxnID(addCount, 0) {
		t.Errorf("expect last %s, got %s", MakeTxnID(addCount, 0), last)
	}
	for n := 1; n < len(entries); n++ {
		if entries[n-1].Task.TxnId >= entries[n].Task.TxnId {
			t.Fatalf("snapshot out of order at %d", n)
		}
	}

	t.Log("Test completing entries")
	for seq := int64(1); seq <= 100; seq++ {
		found, err := l.markCompleted(MakeTxnID(seq, 0))
		if err != nil || !found {
			t.Fatalf("mark completed %d, found %v [%v]", seq, found, err)
		}
	}
	found, err := l.markCompleted(MakeTxnID(addCount+10, 0))
	if err != nil || found {
		t.Errorf("expect unknown transaction to be ignored, found %v [%v]", found, err)
	}

	e, err := l.get(MakeTxnID(50, 0))
	if err != nil || e == nil || !e.Completed {
		t.Errorf("expect completed entry, got %v [%v]", e, err)
	}
	e, err = l.get(MakeTxnID(addCount+10, 0))
	if err != nil || e != nil {
		t.Errorf("expect no entry, got %v [%v]", e, err)
	}

	t.Log("Test a replicated copy does not reopen a completed transaction, a restart does")
	if err = l.record(testTask(MakeTxnID(10, 0))); err != nil {
		t.Fatal(err)
	}
	if e, _ = l.get(MakeTxnID(10, 0)); !e.Completed {
		t.Error("expect completed entry to stay completed")
	}
	restart := testTask(MakeTxnID(11, 0))
	restart.ForRestart = true
	if err = l.record(restart); err != nil {
		t.Fatal(err)
	}
	if e, _ = l.get(MakeTxnID(11, 0)); e.Completed || !e.Task.ForRestart {
		t.Errorf("expect restarted entry to be incomplete again, got %v", e)
	}

	t.Log("Test truncation only purges completed entries")
	purged, err := l.truncate(MakeTxnID(150, 0))
	if err != nil {
		t.Fatal(err)
	}
	// 1..100 completed, less 11 which was restarted.
	if purged != 99 {
		t.Errorf("expect 99 purged, got %d", purged)
	}
	if e, _ = l.get(MakeTxnID(11, 0)); e == nil {
		t.Error("expect incomplete entry to survive truncation")
	}
	if e, _ = l.get(mp); e == nil {
		t.Error("expect incomplete multi-partition entry to survive truncation")
	}
	entries, _, _ = l.snapshot()
	if int64(len(entries)) != addCount+1-99 {
		t.Errorf("expect %d entries after truncation, got %d", addCount+1-99, len(entries))
	}

	if fatals.Load() != 0 {
		t.Errorf("expect no fatal errors, got %d", fatals.Load())
	}

	if err = l.close(); err != nil {
		t.Fatal(err)
	}
}

func TestRepairLogLeaderStatePersists(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "repairlog")

	l, _ := testRepairLogOpen(t, path)
	state, err := l.loadLeaderState()
	if err != nil || state != nil {
		t.Fatalf("expect no leader state, got %v [%v]", state, err)
	}

	resume := MakeTxnID(77, 3)
	err = l.saveLeaderState(&iv2_pb.LeaderState{ResumeTxnId: int64(resume), LeaderHsid: int64(MakeHSID(1, 0))})
	if err != nil {
		t.Fatal(err)
	}
	if err = l.record(testTask(MakeTxnID(78, 3))); err != nil {
		t.Fatal(err)
	}
	l.close()

	t.Log("Reopen and check state survived")
	l, _ = testRepairLogOpen(t, path)
	defer l.close()

	state, err = l.loadLeaderState()
	if err != nil || state == nil {
		t.Fatalf("expect leader state, got %v [%v]", state, err)
	}
	if TxnID(state.ResumeTxnId) != resume {
		t.Errorf("expect resume %s, got %s", resume, TxnID(state.ResumeTxnId))
	}
	_, last, _ := l.snapshot()
	if last != MakeTxnID(78, 3) {
		t.Errorf("expect last %s, got %s", MakeTxnID(78, 3), last)
	}
}

func TestRepairLogOpenFailure(t *testing.T) {

	dir := testTempDir(t)
	defer os.RemoveAll(dir)

	_, err := openRepairLog(filepath.Join(dir, "missing", "dir", "repairlog"), MakeHSID(0, 0),
		testLoggerGet().Sugar(), func(error) {})
	if errors.Cause(err) != InitiatorErrorRepairLog {
		t.Errorf("expect repair log error, got [%v]", err)
	}
}

func TestRepairLogKeys(t *testing.T) {

	for _, id := range []TxnID{0, 1, MakeTxnID(1, 0), MakeTxnID(1<<40, MultiPartitionID)} {
		back, err := txnIDFromSerialisedKey(txnIDGetSerialisedKey(id))
		if err != nil || back != id {
			t.Errorf("key for %s, got %s [%v]", id, back, err)
		}
	}

	a, b := txnIDGetSerialisedKey(MakeTxnID(255, 0)), txnIDGetSerialisedKey(MakeTxnID(256, 0))
	if fmt.Sprintf("%x", a) >= fmt.Sprintf("%x", b) {
		t.Error("expect keys to sort in transaction id order")
	}
}
