package store

import (
	"errors"
	"fmt"

	"github.com/cuemby/dirstore/pkg/record"
)

// ErrReadOnly is returned by every mutating operation on a read-only Engine.
var ErrReadOnly = errors.New("store: storage is read-only")

// ErrTxnState is returned when an operation is called out of order against
// the Idle -> Begun -> Voted -> {Finished, Aborted} -> Idle state machine.
var ErrTxnState = errors.New("store: transaction used out of sequence")

// ErrUndo covers every way transactionalUndo can fail to apply cleanly:
// unknown transaction id, or a later transaction already overwrote the
// object this undo would touch.
type ErrUndo struct {
	Reason string
}

func (e *ErrUndo) Error() string { return "store: undo failed: " + e.Reason }

// ConflictError reports that Store's expectedSerial did not match the
// object's actual current serial, and no conflict resolver (or the
// resolver itself) could reconcile it.
type ConflictError struct {
	OID        record.OID
	OldSerial  record.TID
	NewSerial  record.TID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: conflict on %s: stored serial %s, expected %s", e.OID, e.OldSerial, e.NewSerial)
}

// DanglingReferenceError reports that an object written in this transaction
// references an oid with no reachable revision, found during Vote's
// reference check.
type DanglingReferenceError struct {
	SourceOID record.OID
	RefOID    record.OID
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("store: dangling reference from %s to %s", e.SourceOID, e.RefOID)
}

// POSKeyError reports that no object exists at the given oid, or at the
// given oid/serial pair, depending on which operation raised it.
type POSKeyError struct {
	OID record.OID
}

func (e *POSKeyError) Error() string { return "store: no such object " + e.OID.String() }

// ErrCreationUndone reports that a revision exists at this oid/serial but
// is a tombstone (empty pickle) left by an undone object creation — the
// "George Bailey" case in the original engine's vocabulary.
type ErrCreationUndone struct {
	OID record.OID
}

func (e *ErrCreationUndone) Error() string {
	return "store: object " + e.OID.String() + " creation was undone"
}
