package record

import (
	"bytes"
	"testing"
)

func TestObjectFileRoundTrip(t *testing.T) {
	oid := OIDFromUint64(1)
	tid := TIDFromUint64(100)
	prev := TIDFromUint64(99)
	f := &ObjectFile{
		OID:        oid,
		PrevSerial: prev,
		ThisSerial: tid,
		Pickle:     []byte("hello world"),
	}
	buf := EncodeObjectFile(f, true)

	got, err := DecodeObjectFile("o.test", buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OID != oid || got.PrevSerial != prev || got.ThisSerial != tid {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.Pickle, f.Pickle) {
		t.Errorf("pickle mismatch: %q != %q", got.Pickle, f.Pickle)
	}
}

func TestObjectFileCreationUndone(t *testing.T) {
	f := &ObjectFile{OID: OIDFromUint64(2), ThisSerial: TIDFromUint64(5)}
	buf := EncodeObjectFile(f, true)
	if len(buf) != objectHeaderLen {
		t.Fatalf("expected exactly %d bytes for tombstone, got %d", objectHeaderLen, len(buf))
	}
	got, err := DecodeObjectFile("o.test", buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.CreationUndone() {
		t.Error("expected CreationUndone")
	}
}

func TestObjectFileMD5Mismatch(t *testing.T) {
	f := &ObjectFile{OID: OIDFromUint64(3), ThisSerial: TIDFromUint64(5), Pickle: []byte("data")}
	buf := EncodeObjectFile(f, true)
	buf[72] ^= 0xff // corrupt the pickle after the checksum was computed
	if _, err := DecodeObjectFile("o.test", buf, true); err == nil {
		t.Error("expected md5 mismatch error")
	}
}

func TestObjectFileBadMagic(t *testing.T) {
	buf := make([]byte, objectHeaderLen)
	if _, err := DecodeObjectFile("o.test", buf, false); err == nil {
		t.Error("expected bad magic error")
	}
}

func TestTransactionFileRoundTrip(t *testing.T) {
	txn := &TransactionFile{
		TID:         TIDFromUint64(200),
		PrevTID:     TIDFromUint64(199),
		User:        []byte("alice"),
		Description: []byte("initial commit"),
		Extension:   nil,
		OIDs:        []OID{OIDFromUint64(1), OIDFromUint64(2), OIDFromUint64(3)},
	}
	buf := EncodeTransactionFile(txn, true)
	got, err := DecodeTransactionFile("t.test", buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TID != txn.TID || got.PrevTID != txn.PrevTID {
		t.Errorf("tid/prevtid mismatch: %+v", got)
	}
	if string(got.User) != "alice" || string(got.Description) != "initial commit" {
		t.Errorf("user/description mismatch: %+v", got)
	}
	if len(got.OIDs) != 3 || got.OIDs[1] != OIDFromUint64(2) {
		t.Errorf("oids mismatch: %v", got.OIDs)
	}
}

func TestPrevTIDOffsetPatchable(t *testing.T) {
	txn := &TransactionFile{TID: TIDFromUint64(1), PrevTID: TIDFromUint64(0)}
	buf := EncodeTransactionFile(txn, false)
	newPrev := TIDFromUint64(42)
	copy(buf[PrevTIDOffset:PrevTIDOffset+8], newPrev[:])
	got, err := DecodeTransactionFile("t.test", buf, false)
	if err != nil {
		t.Fatalf("decode after patch: %v", err)
	}
	if got.PrevTID != newPrev {
		t.Errorf("patched prev_tid not observed: got %v want %v", got.PrevTID, newPrev)
	}
}

func TestCurrentPointerBothForms(t *testing.T) {
	tid := TIDFromUint64(77)
	modern := EncodeCurrentPointer(tid)
	got, err := DecodeCurrentPointer("o.c", modern)
	if err != nil || got != tid {
		t.Fatalf("modern form: got %v, err %v", got, err)
	}

	legacy := append(append([]byte{}, CMAGIC[:]...), tid[:]...)
	got, err = DecodeCurrentPointer("o.c", legacy)
	if err != nil || got != tid {
		t.Fatalf("legacy form: got %v, err %v", got, err)
	}
}

func TestOIDTIDStrings(t *testing.T) {
	oid, err := ParseOID("0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if oid.String() != "0000000000000001" {
		t.Errorf("OID.String() = %q", oid.String())
	}
}
