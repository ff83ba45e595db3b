// Package record defines the on-disk binary layouts for object revisions,
// transactions, current-pointer files, and root scalars, plus the OID/TID
// identifier types shared by every other package in this module.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// OID is an 8-byte big-endian object identifier.
type OID [8]byte

// Z64OID is the all-zero OID used for the root object.
var Z64OID OID

func (o OID) String() string { return fmt.Sprintf("%016X", [8]byte(o)) }

// Uint64 returns the OID interpreted as a big-endian integer.
func (o OID) Uint64() uint64 { return binary.BigEndian.Uint64(o[:]) }

// OIDFromUint64 builds an OID from a big-endian integer.
func OIDFromUint64(v uint64) OID {
	var o OID
	binary.BigEndian.PutUint64(o[:], v)
	return o
}

// ParseOID parses the canonical 16-character uppercase hex form.
func ParseOID(s string) (OID, error) {
	var o OID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return o, fmt.Errorf("record: bad oid %q", s)
	}
	copy(o[:], b)
	return o, nil
}

// TID is an 8-byte big-endian transaction identifier, monotonically
// increasing and derived from wall-clock time with a tie-breaking low bit
// increment when two transactions land in the same clock tick.
type TID [8]byte

func (t TID) String() string { return fmt.Sprintf("%016X", [8]byte(t)) }

func (t TID) Uint64() uint64 { return binary.BigEndian.Uint64(t[:]) }

func TIDFromUint64(v uint64) TID {
	var t TID
	binary.BigEndian.PutUint64(t[:], v)
	return t
}

func ParseTID(s string) (TID, error) {
	var t TID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return t, fmt.Errorf("record: bad tid %q", s)
	}
	copy(t[:], b)
	return t, nil
}

// Less reports whether t sorts strictly before u, i.e. t happened first.
func (t TID) Less(u TID) bool { return t.Uint64() < u.Uint64() }

// IsZero reports whether t is the all-zero sentinel TID (no transaction).
func (t TID) IsZero() bool { return t.Uint64() == 0 }

// epoch is the ZODB TimeStamp epoch: 1900-01-01, used so existing deployments
// carry over identical TID semantics if ported from the original format.
var epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NewTID derives a TID from a wall-clock time: the number of 1/65536-second
// ticks since the 1900 epoch, as a big-endian 8-byte counter. It does not
// look at any earlier TID, so two calls within one tick return the same
// value; callers that commit faster than that resolution should use NextTID
// instead.
func NewTID(now time.Time) TID {
	secs := now.Sub(epoch).Seconds()
	return TIDFromUint64(uint64(secs * (1 << 16)))
}

// NextTID returns the smallest TID strictly greater than prev, no earlier
// than the one NewTID(now) would produce. This is how the engine guarantees
// TIDs are monotonic even when two commits land in the same clock tick.
func NextTID(prev TID, now time.Time) TID {
	candidate := NewTID(now)
	if candidate.Uint64() > prev.Uint64() {
		return candidate
	}
	return TIDFromUint64(prev.Uint64() + 1)
}

// Time converts a TID back to the wall-clock time it was minted from.
func (t TID) Time() time.Time {
	secs := float64(t.Uint64()) / (1 << 16)
	return epoch.Add(time.Duration(secs * float64(time.Second)))
}
