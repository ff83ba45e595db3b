// Package store implements the transactional object-revision engine: the
// begin/store/vote/finish/abort commit protocol, object load by current or
// specific serial, undo log and history queries, and pack/snapshot
// delegation. Two concrete engines share a common base: Full keeps
// transaction files and supports undo, history and pack; Minimal keeps only
// current object revisions.
package store

import (
	"fmt"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/journal"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
)

// ReferencesFunc extracts the oids a stored pickle refers to. The engine
// never parses pickles itself; this is supplied by whatever object layer
// sits on top (a ZODB-style object graph, or a trivial no-op for
// stand-alone use via cmd/dsctl).
type ReferencesFunc func(pickle []byte) ([]record.OID, error)

// ConflictResolver attempts application-level conflict resolution when
// Store's expectedSerial doesn't match the object's actual current serial.
// It returns the merged pickle and true on success, or (nil, false) to let
// the engine raise ConflictError.
type ConflictResolver func(oid record.OID, oldSerial, newSerial record.TID, data []byte) ([]byte, bool)

// Entry is one row of History or UndoLog output.
type Entry struct {
	TID         record.TID
	Time        time.Time
	User        []byte
	Description []byte
	Extension   []byte
	Size        int
}

type txnState int

const (
	stateIdle txnState = iota
	stateBegun
	stateVoted
)

// Txn is the engine-side handle for one in-flight transaction, threaded
// through Store/Vote/Finish/Abort by the caller.
type Txn struct {
	tid   record.TID
	user  []byte
	desc  []byte
	ext   []byte
	state txnState

	jtxn *journal.Txn

	oids    map[record.OID]bool        // oid -> is George Bailey (empty pickle) revision
	order   []record.OID                // insertion order, for the transaction file's oid block
	refoids map[record.OID]record.OID   // referenced oid -> source oid, for dangling-ref check
	undone  map[record.OID]record.TID   // oid -> serial it has been undone back to, this txn
}

// Engine is the commit protocol and query surface shared by Full and
// Minimal. History, UndoLog, TransactionalUndo and Pack return an
// "unsupported" error on Minimal.
type Engine interface {
	Begin(tid record.TID, user, desc, ext []byte) (*Txn, error)
	Store(txn *Txn, oid record.OID, expectedSerial record.TID, data []byte) (record.TID, error)
	Vote(txn *Txn) error
	Finish(txn *Txn) error
	Abort(txn *Txn) error

	Load(oid record.OID) ([]byte, record.TID, error)
	LoadSerial(oid record.OID, tid record.TID) ([]byte, error)
	History(oid record.OID, count int, filter func(Entry) bool) ([]Entry, error)
	UndoLog(first, last int, filter func(Entry) bool) ([]Entry, error)
	TransactionalUndo(txn *Txn, target record.TID) ([]record.OID, error)
	Pack(threshold time.Time, refs ReferencesFunc) error

	EnterSnapshot(code string) error
	LeaveSnapshot(code string) error
	SnapshotCode() string
	LastTransaction() record.TID

	// Close stops the background flusher after draining everything already
	// staged, so a graceful shutdown never abandons a committed transaction
	// before it reaches A/.
	Close() error
}

// ErrUnsupported is returned by Minimal for the Full-only operations.
var ErrUnsupported = fmt.Errorf("store: operation not supported by this storage class")

// New opens a store directory already initialized by dsconfig.Create and
// returns the Engine implementation named by settings.ClassName ("Full" or
// "Minimal"). It runs journal crash recovery and starts the background
// flusher before returning.
func New(dir string, s *dsconfig.Settings, resolver ConflictResolver, refs ReferencesFunc, broker *events.Broker) (Engine, error) {
	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		return nil, err
	}
	fs := fsprim.New(s.UseDirSync)
	jfs := journal.New(dir, fs, scheme, s, broker)
	if err := jfs.Recover(); err != nil {
		return nil, fmt.Errorf("store: recover: %w", err)
	}
	jfs.Start()

	b, err := newBase(dir, jfs, fs, scheme, s, resolver, refs, broker)
	if err != nil {
		return nil, err
	}

	switch s.ClassName {
	case "Full":
		return &Full{base: b}, nil
	case "Minimal":
		return &Minimal{base: b}, nil
	default:
		return nil, fmt.Errorf("store: unknown storage classname %q", s.ClassName)
	}
}
