package record

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Magic numbers identifying each file kind. CMAGIC is only ever seen on
// read, for current-pointer files written by pre-1.1 stores.
var (
	OMAGIC = [4]byte{0xbd, 0xb8, '*', 'q'}
	TMAGIC = [4]byte{'G', '@', 0x07, 'v'}
	CMAGIC = [4]byte{0x0b, 0xfe, 0xe8, 0xec}
)

const (
	objectHeaderLen = 72 // OMAGIC..this_serial, before the pickle body
	txnFixedLen     = 60 // TMAGIC..vLen, before the variable-length blocks
)

// CorruptError wraps a detected on-disk format violation: bad magic,
// truncated length, an oid/tid mismatch between filename and body, or a
// failed md5 check.
type CorruptError struct {
	File   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("record: corrupt %s: %s", e.File, e.Reason)
}

// ObjectFile is the decoded form of an "o<OID>.<TID>" record.
type ObjectFile struct {
	OID        OID
	UndoFrom   TID // zero unless this revision undoes a prior one
	MD5        [16]byte
	PrevSerial TID // the serial (TID) of the previous revision, or zero
	ThisSerial TID // equal to the TID encoded in the filename
	Pickle     []byte
}

// CreationUndone reports whether this revision represents the
// "object creation has been undone" tombstone (zero-length pickle).
func (f *ObjectFile) CreationUndone() bool { return len(f.Pickle) == 0 }

// EncodeObjectFile serializes f to its 72-byte-header wire format. The md5
// is computed over the pickle body only, matching the original layout.
func EncodeObjectFile(f *ObjectFile, checkMD5 bool) []byte {
	total := objectHeaderLen + len(f.Pickle)
	buf := make([]byte, total)
	copy(buf[0:4], OMAGIC[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	copy(buf[8:16], f.OID[:])
	copy(buf[16:24], f.UndoFrom[:])
	// buf[24:40] reserved, left zero
	var sum [16]byte
	if checkMD5 {
		sum = md5.Sum(f.Pickle)
	}
	copy(buf[40:56], sum[:])
	copy(buf[56:64], f.PrevSerial[:])
	copy(buf[64:72], f.ThisSerial[:])
	copy(buf[72:], f.Pickle)
	return buf
}

// DecodeObjectFile parses a buffer read from an "o<OID>.<TID>" file. name is
// used only to annotate errors. If checkMD5, the embedded checksum is
// verified against the pickle body.
func DecodeObjectFile(name string, buf []byte, checkMD5 bool) (*ObjectFile, error) {
	if len(buf) < objectHeaderLen {
		return nil, &CorruptError{name, "truncated object header"}
	}
	if !bytes.Equal(buf[0:4], OMAGIC[:]) {
		return nil, &CorruptError{name, "bad OMAGIC"}
	}
	total := binary.BigEndian.Uint32(buf[4:8])
	if int(total) != len(buf) {
		return nil, &CorruptError{name, fmt.Sprintf("length field %d != actual %d", total, len(buf))}
	}
	f := &ObjectFile{Pickle: buf[72:]}
	copy(f.OID[:], buf[8:16])
	copy(f.UndoFrom[:], buf[16:24])
	copy(f.PrevSerial[:], buf[56:64])
	copy(f.ThisSerial[:], buf[64:72])
	if checkMD5 {
		want := md5.Sum(f.Pickle)
		if !bytes.Equal(buf[40:56], want[:]) {
			return nil, &CorruptError{name, "md5 mismatch"}
		}
	}
	copy(f.MD5[:], buf[40:56])
	return f, nil
}

// TransactionFile is the decoded form of a "t<TID[:3]>.<TID[3:]>" record.
type TransactionFile struct {
	TID         TID
	PrevTID     TID
	User        []byte
	Description []byte
	Extension   []byte
	OIDs        []OID
}

// PrevTIDOffset is the byte offset of the prev_tid field within a
// transaction file, the offset PackEngine's relink pass patches via
// ModifyFile when it splices across a gap left by sweeping.
const PrevTIDOffset = 16

// EncodeTransactionFile serializes t. oidCount is len(t.OIDs); vLen is
// always 0 (named branch versions are not supported, per spec Non-goals).
func EncodeTransactionFile(t *TransactionFile, checkMD5 bool) []byte {
	oidBlock := make([]byte, 8*len(t.OIDs))
	for i, oid := range t.OIDs {
		copy(oidBlock[i*8:i*8+8], oid[:])
	}
	total := txnFixedLen + len(t.User) + len(t.Description) + len(t.Extension) + len(oidBlock)
	buf := make([]byte, total)
	copy(buf[0:4], TMAGIC[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	copy(buf[8:16], t.TID[:])
	copy(buf[PrevTIDOffset:PrevTIDOffset+8], t.PrevTID[:])
	// buf[24:32] reserved

	body := make([]byte, 0, len(t.User)+len(t.Description)+len(t.Extension))
	body = append(body, t.User...)
	body = append(body, t.Description...)
	body = append(body, t.Extension...)
	body = append(body, oidBlock...)

	var sum [16]byte
	if checkMD5 {
		sum = md5.Sum(body)
	}
	copy(buf[32:48], sum[:])
	binary.BigEndian.PutUint16(buf[48:50], uint16(len(t.User)))
	binary.BigEndian.PutUint16(buf[50:52], uint16(len(t.Description)))
	binary.BigEndian.PutUint16(buf[52:54], uint16(len(t.Extension)))
	binary.BigEndian.PutUint32(buf[54:58], uint32(len(t.OIDs)))
	binary.BigEndian.PutUint16(buf[58:60], 0) // vLen, always 0
	copy(buf[60:], body)
	return buf
}

// DecodeTransactionFile parses a buffer read from a transaction file.
func DecodeTransactionFile(name string, buf []byte, checkMD5 bool) (*TransactionFile, error) {
	if len(buf) < txnFixedLen {
		return nil, &CorruptError{name, "truncated transaction header"}
	}
	if !bytes.Equal(buf[0:4], TMAGIC[:]) {
		return nil, &CorruptError{name, "bad TMAGIC"}
	}
	total := binary.BigEndian.Uint32(buf[4:8])
	if int(total) != len(buf) {
		return nil, &CorruptError{name, fmt.Sprintf("length field %d != actual %d", total, len(buf))}
	}
	t := &TransactionFile{}
	copy(t.TID[:], buf[8:16])
	copy(t.PrevTID[:], buf[PrevTIDOffset:PrevTIDOffset+8])
	md5Field := buf[32:48]
	uLen := binary.BigEndian.Uint16(buf[48:50])
	dLen := binary.BigEndian.Uint16(buf[50:52])
	eLen := binary.BigEndian.Uint16(buf[52:54])
	oidCount := binary.BigEndian.Uint32(buf[54:58])

	body := buf[60:]
	if int(uLen)+int(dLen)+int(eLen)+int(oidCount)*8 != len(body) {
		return nil, &CorruptError{name, "variable-length section size mismatch"}
	}
	off := 0
	t.User = body[off : off+int(uLen)]
	off += int(uLen)
	t.Description = body[off : off+int(dLen)]
	off += int(dLen)
	t.Extension = body[off : off+int(eLen)]
	off += int(eLen)
	t.OIDs = make([]OID, oidCount)
	for i := range t.OIDs {
		copy(t.OIDs[i][:], body[off:off+8])
		off += 8
	}

	if checkMD5 {
		want := md5.Sum(body)
		if !bytes.Equal(md5Field, want[:]) {
			return nil, &CorruptError{name, "md5 mismatch"}
		}
	}
	return t, nil
}

// CurrentPointerName returns the logical record name of oid's
// current-pointer file.
func CurrentPointerName(oid OID) string {
	return fmt.Sprintf("o%s.c", oid)
}

// ObjectFileName returns the logical record name for a revision of oid at tid.
func ObjectFileName(oid OID, tid TID) string {
	return fmt.Sprintf("o%s.%s", oid, tid)
}

// TransactionFileName returns the logical record name for tid's transaction
// file, split as "t<TID[:3]>.<TID[3:]>" to match the first-three-hex-chars
// sharding the original format used even before PathMunger sees it.
func TransactionFileName(tid TID) string {
	s := tid.String()
	return fmt.Sprintf("t%s.%s", s[:3], s[3:])
}

// EncodeCurrentPointer serializes a current-pointer file body: just the
// 8-byte TID of the current revision.
func EncodeCurrentPointer(tid TID) []byte {
	b := make([]byte, 8)
	copy(b, tid[:])
	return b
}

// DecodeCurrentPointer accepts both the modern 8-byte form and the legacy
// 12-byte CMAGIC-prefixed form.
func DecodeCurrentPointer(name string, buf []byte) (TID, error) {
	var tid TID
	switch len(buf) {
	case 8:
		copy(tid[:], buf)
		return tid, nil
	case 12:
		if !bytes.Equal(buf[0:4], CMAGIC[:]) {
			return tid, &CorruptError{name, "bad CMAGIC on legacy pointer"}
		}
		copy(tid[:], buf[4:12])
		return tid, nil
	default:
		return tid, &CorruptError{name, fmt.Sprintf("unexpected pointer file length %d", len(buf))}
	}
}

// ClassNameFromPickle recovers the "module.ClassName" string from a pickled
// persistent object's state, without running a full unpickler. It only
// recognizes the common protocol-1 encoding of a two-tuple class descriptor
// (module string, class string) at the start of the pickle — anything else
// returns "", which callers treat as "no keepclass override applies".
func ClassNameFromPickle(pickle []byte) string {
	if len(pickle) < 4 || string(pickle[:3]) != "((U" {
		return ""
	}
	d := pickle[3:]
	l := int(d[0])
	if len(d) < 1+l {
		return ""
	}
	c := string(d[1 : 1+l])
	d = d[1+l:]
	if len(d) < 4 || string(d[:2]) != "q\x01" || d[2] != 'U' {
		return ""
	}
	d = d[3:]
	l2 := int(d[0])
	if len(d) < 1+l2+1 {
		return ""
	}
	c = c + "." + string(d[1:1+l2])
	d = d[1+l2:]
	if d[0] != 'q' {
		return ""
	}
	return c
}
