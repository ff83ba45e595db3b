package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/record"
)

func newTestEngine(t *testing.T, classname string) Engine {
	t.Helper()
	dir := t.TempDir()
	s := dsconfig.Default()
	s.Format = "flat"
	s.ClassName = classname
	s.FlushInterval = time.Hour
	if err := dsconfig.Create(dir, s); err != nil {
		t.Fatal(err)
	}
	e, err := New(dir, s, nil, noRefs, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func noRefs([]byte) ([]record.OID, error) { return nil, nil }

func storeOne(t *testing.T, e Engine, tid uint64, oid record.OID, expected record.TID, data []byte) record.TID {
	t.Helper()
	txn, err := e.Begin(record.TIDFromUint64(tid), []byte("u"), []byte("d"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Store(txn, oid, expected, data); err != nil {
		t.Fatal(err)
	}
	if err := e.Vote(txn); err != nil {
		t.Fatal(err)
	}
	if err := e.Finish(txn); err != nil {
		t.Fatal(err)
	}
	return txn.tid
}

func TestFullStoreLoadRoundTrip(t *testing.T) {
	e := newTestEngine(t, "Full")
	oid := record.OIDFromUint64(1)

	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))

	data, serial, err := e.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" || serial != tid1 {
		t.Fatalf("got data=%q serial=%s, want v1/%s", data, serial, tid1)
	}

	tid2 := storeOne(t, e, 2, oid, tid1, []byte("v2"))
	data, serial, err = e.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" || serial != tid2 {
		t.Fatalf("got data=%q serial=%s, want v2/%s", data, serial, tid2)
	}

	old, err := e.LoadSerial(oid, tid1)
	if err != nil {
		t.Fatal(err)
	}
	if string(old) != "v1" {
		t.Fatalf("LoadSerial(tid1) = %q, want v1", old)
	}
}

func TestMinimalStoreLoadRoundTrip(t *testing.T) {
	e := newTestEngine(t, "Minimal")
	oid := record.OIDFromUint64(1)

	storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	tid2 := storeOne(t, e, 2, oid, record.TIDFromUint64(1), []byte("v2"))

	data, serial, err := e.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" || serial != tid2 {
		t.Fatalf("got data=%q serial=%s, want v2/%s", data, serial, tid2)
	}
}

func TestMinimalUnsupportedOperations(t *testing.T) {
	e := newTestEngine(t, "Minimal")
	if _, err := e.History(record.OIDFromUint64(1), 10, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("History error = %v, want ErrUnsupported", err)
	}
	if err := e.Pack(time.Now(), noRefs); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Pack error = %v, want ErrUnsupported", err)
	}
}

func TestConflictDetection(t *testing.T) {
	e := newTestEngine(t, "Full")
	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))

	txn, err := e.Begin(record.TIDFromUint64(2), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Store(txn, oid, record.TID{}, []byte("stale"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.OldSerial != tid1 {
		t.Errorf("conflict.OldSerial = %s, want %s", conflict.OldSerial, tid1)
	}
	if err := e.Abort(txn); err != nil {
		t.Fatal(err)
	}
}

func TestDanglingReferenceRejected(t *testing.T) {
	dir := t.TempDir()
	s := dsconfig.Default()
	s.Format = "flat"
	s.ClassName = "Full"
	s.FlushInterval = time.Hour
	if err := dsconfig.Create(dir, s); err != nil {
		t.Fatal(err)
	}
	missing := record.OIDFromUint64(99)
	refs := func([]byte) ([]record.OID, error) { return []record.OID{missing}, nil }
	e, err := New(dir, s, nil, refs, nil)
	if err != nil {
		t.Fatal(err)
	}

	oid := record.OIDFromUint64(1)
	txn, err := e.Begin(record.TIDFromUint64(1), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Store(txn, oid, record.TID{}, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	err = e.Vote(txn)
	var dangling *DanglingReferenceError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingReferenceError, got %v", err)
	}
	if err := e.Abort(txn); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionalUndo(t *testing.T) {
	e := newTestEngine(t, "Full")
	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	storeOne(t, e, 2, oid, tid1, []byte("v2"))

	txn, err := e.Begin(record.TIDFromUint64(3), []byte("u"), []byte("undo v2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	touched, err := e.TransactionalUndo(txn, record.TIDFromUint64(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(touched) != 1 || touched[0] != oid {
		t.Fatalf("touched = %v, want [%s]", touched, oid)
	}
	if err := e.Vote(txn); err != nil {
		t.Fatal(err)
	}
	if err := e.Finish(txn); err != nil {
		t.Fatal(err)
	}

	data, _, err := e.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" {
		t.Fatalf("after undo, data = %q, want v1", data)
	}
}

func TestHistoryReturnsRevisionsNewestFirst(t *testing.T) {
	e := newTestEngine(t, "Full")
	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	tid2 := storeOne(t, e, 2, oid, tid1, []byte("v2"))

	entries, err := e.History(oid, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].TID != tid2 || entries[1].TID != tid1 {
		t.Fatalf("entries out of order: %+v", entries)
	}
}

func TestUndoLogListsCleanlyUndoableTransactions(t *testing.T) {
	e := newTestEngine(t, "Full")
	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	storeOne(t, e, 2, oid, tid1, []byte("v2"))

	entries, err := e.UndoLog(0, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d undo log entries, want 2", len(entries))
	}
}

func TestPackRemovesUnreachableRevision(t *testing.T) {
	dir := t.TempDir()
	s := dsconfig.Default()
	s.Format = "flat"
	s.ClassName = "Full"
	s.FlushInterval = time.Hour
	s.KeepPolicyDefault = "undoable" // don't keep transaction files past threshold
	if err := dsconfig.Create(dir, s); err != nil {
		t.Fatal(err)
	}
	e, err := New(dir, s, nil, noRefs, nil)
	if err != nil {
		t.Fatal(err)
	}
	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	storeOne(t, e, 2, oid, tid1, []byte("v2"))

	if err := e.Pack(time.Now().Add(time.Hour), noRefs); err != nil {
		t.Fatal(err)
	}

	data, _, err := e.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Fatalf("after pack, current data = %q, want v2", data)
	}

	if _, err := e.LoadSerial(oid, tid1); err == nil {
		t.Error("expected old revision to be swept by pack")
	}
}
