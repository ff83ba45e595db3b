package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
)

func newTestStore(t *testing.T) (string, *dsconfig.Settings) {
	t.Helper()
	dir := t.TempDir()
	s := dsconfig.Default()
	s.Format = "flat"
	s.FlushInterval = time.Hour // tests drive flushes manually via flushAll
	s.FlushFileThreshold = 1000
	s.FlushTransactionThreshold = 1000
	s.Backlog = 4
	if err := dsconfig.Create(dir, s); err != nil {
		t.Fatal(err)
	}
	return dir, s
}

func newTestJournal(t *testing.T) *JournalFS {
	t.Helper()
	dir, s := newTestStore(t)
	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		t.Fatal(err)
	}
	j := New(dir, fsprim.New(false), scheme, s, nil)
	if err := j.Recover(); err != nil {
		t.Fatal(err)
	}
	return j
}

func tid(n uint64) record.TID { return record.TIDFromUint64(n) }

func TestStagingFinishMakesRecordVisible(t *testing.T) {
	j := newTestJournal(t)

	txn, err := j.Begin(tid(1))
	if err != nil {
		t.Fatal(err)
	}
	name := "oAAAAAAAAAAAAAAA.0000000000000001"
	if err := txn.Write(name, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Finish(); err != nil {
		t.Fatal(err)
	}

	got, err := j.ReadDatabaseFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("read back %q, want %q", got, "payload")
	}

	j.flushAll()

	got2, err := j.ReadDatabaseFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, []byte("payload")) {
		t.Errorf("after flush read back %q, want %q", got2, "payload")
	}
	if _, err := os.Stat(filepath.Join(j.aDir(), name)); err != nil {
		t.Errorf("expected flushed file under A/: %v", err)
	}
}

func TestAbortDiscardsStaging(t *testing.T) {
	j := newTestJournal(t)

	txn, err := j.Begin(tid(2))
	if err != nil {
		t.Fatal(err)
	}
	name := "oBBBBBBBBBBBBBBBB.0000000000000002"
	if err := txn.Write(name, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatal(err)
	}

	if _, err := j.ReadDatabaseFile(name); err == nil {
		t.Error("expected abort to leave record unreadable")
	}
}

func TestRecoverPromotesDoneDirAndDiscardsTemp(t *testing.T) {
	dir, s := newTestStore(t)
	scheme, _ := pathmunge.Resolve(s.Format)

	doneDir := filepath.Join(dir, "journal", "working_"+tid(3).String()+"_done")
	if err := os.Mkdir(doneDir, 0o755); err != nil {
		t.Fatal(err)
	}
	recName := "oCCCCCCCCCCCCCCCC.0000000000000003"
	if err := os.WriteFile(filepath.Join(doneDir, recName), []byte("leftover"), 0o644); err != nil {
		t.Fatal(err)
	}

	tempDir := filepath.Join(dir, "journal", "working_"+tid(4).String()+"_temp")
	if err := os.Mkdir(tempDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "unfinished"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := New(dir, fsprim.New(false), scheme, s, nil)
	if err := j.Recover(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(tempDir); !os.IsNotExist(err) {
		t.Errorf("expected temp staging dir to be discarded, stat err = %v", err)
	}

	got, err := j.ReadDatabaseFile(recName)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("leftover")) {
		t.Errorf("recovered record = %q, want %q", got, "leftover")
	}

	j.flushAll()
	if _, err := os.Stat(filepath.Join(j.aDir(), recName)); err != nil {
		t.Errorf("expected recovered record flushed into A/: %v", err)
	}
}

func TestSnapshotDivertsFlushToB(t *testing.T) {
	j := newTestJournal(t)

	if err := j.EnterSnapshot("snap1"); err != nil {
		t.Fatal(err)
	}
	if !j.SnapshotActive() {
		t.Fatal("expected snapshot active")
	}

	txn, err := j.Begin(tid(5))
	if err != nil {
		t.Fatal(err)
	}
	name := "oDDDDDDDDDDDDDDDD.0000000000000005"
	if err := txn.Write(name, []byte("during-snapshot")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Finish(); err != nil {
		t.Fatal(err)
	}
	j.flushAll()

	if _, err := os.Stat(filepath.Join(j.bDir(), name)); err != nil {
		t.Errorf("expected flush to land in B/ during snapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(j.aDir(), name)); !os.IsNotExist(err) {
		t.Errorf("expected A/ to stay untouched during snapshot, stat err = %v", err)
	}

	if err := j.LeaveSnapshot("snap1"); err != nil {
		t.Fatal(err)
	}
	if j.SnapshotActive() {
		t.Error("expected snapshot inactive after LeaveSnapshot")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(j.aDir(), name)); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected recombine to copy the record from B/ into A/")
}

func TestEnterSnapshotTwiceFails(t *testing.T) {
	j := newTestJournal(t)
	if err := j.EnterSnapshot("a"); err != nil {
		t.Fatal(err)
	}
	if err := j.EnterSnapshot("b"); err == nil {
		t.Error("expected second EnterSnapshot to fail while one is active")
	}
}

func TestFinishRefusesWhenBroken(t *testing.T) {
	j := newTestJournal(t)
	j.setBroken(errFlusherBroken)

	txn, err := j.Begin(tid(6))
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Write("oEEEEEEEEEEEEEEEE.0000000000000006", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Finish(); err == nil {
		t.Error("expected Finish to refuse once flusher is broken")
	}
	if j.BrokenError() == nil {
		t.Error("expected BrokenError to be set")
	}
}

func TestStatsProviderInterface(t *testing.T) {
	j := newTestJournal(t)
	if j.RelocationsLen() != 0 {
		t.Errorf("expected 0 relocations on fresh journal, got %d", j.RelocationsLen())
	}
	if j.BacklogTokensFree() != cap(j.backlog) {
		t.Errorf("expected full backlog capacity free, got %d", j.BacklogTokensFree())
	}
	if j.FlusherBroken() {
		t.Error("expected not broken on fresh journal")
	}
	if j.SnapshotActive() {
		t.Error("expected no snapshot on fresh journal")
	}
}
