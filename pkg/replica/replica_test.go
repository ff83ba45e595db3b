package replica

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
	"github.com/cuemby/dirstore/pkg/store"
)

func noRefs([]byte) ([]record.OID, error) { return nil, nil }

func openFlatStore(t *testing.T, dir string) store.Engine {
	t.Helper()
	s := dsconfig.Default()
	s.Format = "flat"
	s.ClassName = "Full"
	s.FlushInterval = time.Hour
	if err := dsconfig.Create(dir, s); err != nil {
		t.Fatal(err)
	}
	e, err := store.New(dir, s, nil, noRefs, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func storeOne(t *testing.T, e store.Engine, tid uint64, oid record.OID, expected record.TID, data []byte) record.TID {
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
	return record.TIDFromUint64(tid)
}

// drain forces the journal to flush pending transactions into A/ so that
// Build, which reads A/ directly, sees everything committed so far. Full.Pack
// relies on the same EnterSnapshot/LeaveSnapshot drain for the same reason.
func drain(t *testing.T, e store.Engine) {
	t.Helper()
	if err := e.EnterSnapshot("replica-test-drain"); err != nil {
		t.Fatal(err)
	}
	if err := e.LeaveSnapshot("replica-test-drain"); err != nil {
		t.Fatal(err)
	}
}

func TestBuildApplyRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	src := openFlatStore(t, srcDir)

	oid := record.OIDFromUint64(1)
	tid1 := storeOne(t, src, 1, oid, record.TID{}, []byte("v1"))
	storeOne(t, src, 2, oid, tid1, []byte("v2"))
	drain(t, src)

	scheme, err := pathmunge.Resolve("flat")
	if err != nil {
		t.Fatal(err)
	}
	fs := fsprim.New(true)

	inc, err := Build(srcDir, fs, scheme, record.TID{})
	if err != nil {
		t.Fatal(err)
	}
	if inc.OldTID != (record.TID{}) {
		t.Fatalf("OldTID = %s, want zero", inc.OldTID)
	}
	if len(inc.Files) == 0 {
		t.Fatal("expected a non-empty increment")
	}

	var buf bytes.Buffer
	if err := Write(&buf, inc); err != nil {
		t.Fatal(err)
	}

	decoded, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.NewTID != inc.NewTID || len(decoded.Files) != len(inc.Files) {
		t.Fatalf("decoded increment mismatch: got %+v", decoded)
	}

	dstDir := t.TempDir()
	dst := openFlatStore(t, dstDir)
	if err := Apply(dstDir, fs, scheme, decoded); err != nil {
		t.Fatal(err)
	}

	// Re-open so the destination engine's in-memory root state reflects the
	// files Apply just wrote directly into A/.
	dstSettings, err := dsconfig.Load(dstDir + "/config/settings")
	if err != nil {
		t.Fatal(err)
	}
	dst, err = store.New(dstDir, dstSettings, nil, noRefs, nil)
	if err != nil {
		t.Fatal(err)
	}

	data, _, err := dst.Load(oid)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Fatalf("replicated current data = %q, want v2", data)
	}
	old, err := dst.LoadSerial(oid, tid1)
	if err != nil {
		t.Fatal(err)
	}
	if string(old) != "v1" {
		t.Fatalf("replicated old revision = %q, want v1", old)
	}
}

func TestCheckNotPackedRejectsPastPackedMark(t *testing.T) {
	dir := t.TempDir()
	e := openFlatStore(t, dir)
	oid := record.OIDFromUint64(1)
	storeOne(t, e, 1, oid, record.TID{}, []byte("v1"))
	drain(t, e)

	if err := e.Pack(time.Now().Add(time.Hour), noRefs); err != nil {
		t.Fatal(err)
	}

	scheme, err := pathmunge.Resolve("flat")
	if err != nil {
		t.Fatal(err)
	}
	fs := fsprim.New(true)

	if err := CheckNotPacked(dir, fs, scheme, record.TID{}); err == nil {
		t.Fatal("expected CheckNotPacked to reject a destination behind the pack threshold")
	}
}

func TestCheckIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	openFlatStore(t, dir)

	if err := CheckIdentity(dir, "not-the-real-identity"); err == nil {
		t.Fatal("expected identity mismatch error")
	}

	identity, err := dsconfig.ReadIdentity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckIdentity(dir, identity); err != nil {
		t.Fatalf("expected matching identity to pass, got %v", err)
	}
}
