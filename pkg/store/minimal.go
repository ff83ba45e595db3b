package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/journal"
	"github.com/cuemby/dirstore/pkg/record"
)

// Minimal keeps only the current revision of every object, in a single
// file per oid with no current-pointer indirection and no transaction
// file. It supports Store/Load and nothing else: no undo, no history, no
// pack, because without a transaction log there is nothing to replay or
// mark-and-sweep.
type Minimal struct {
	*base
}

func minimalObjectFileName(oid record.OID) string { return "o" + oid.String() }

func (m *Minimal) loadObjectFile(oid record.OID) (*record.ObjectFile, error) {
	name := minimalObjectFileName(oid)
	data, err := m.jfs.ReadDatabaseFile(name)
	if err != nil {
		if errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal) {
			return nil, &POSKeyError{OID: oid}
		}
		return nil, err
	}
	return record.DecodeObjectFile(name, data, m.s.CheckObjectMD5)
}

func (m *Minimal) Begin(tid record.TID, user, desc, ext []byte) (*Txn, error) {
	return m.beginCommon(tid, user, desc, ext)
}

// Store checks expectedSerial against the object's current serial (read
// straight from its single file, since there is no separate pointer) and
// stages the new revision over it.
func (m *Minimal) Store(txn *Txn, oid record.OID, expectedSerial record.TID, data []byte) (record.TID, error) {
	if txn.state != stateBegun {
		return record.TID{}, ErrTxnState
	}

	var oldSerial record.TID
	existing, err := m.loadObjectFile(oid)
	if err != nil {
		var keyErr *POSKeyError
		if !errors.As(err, &keyErr) {
			return record.TID{}, err
		}
	} else {
		oldSerial = existing.ThisSerial
	}

	if existing != nil && oldSerial != expectedSerial {
		if m.resolver != nil {
			if merged, resolved := m.resolver(oid, oldSerial, expectedSerial, data); resolved {
				data = merged
			} else {
				return record.TID{}, &ConflictError{OID: oid, OldSerial: oldSerial, NewSerial: expectedSerial}
			}
		} else {
			return record.TID{}, &ConflictError{OID: oid, OldSerial: oldSerial, NewSerial: expectedSerial}
		}
	}

	body := m.makeObjectBody(oid, txn.tid, oldSerial, data, record.TID{})

	if _, already := txn.oids[oid]; !already {
		txn.order = append(txn.order, oid)
	}
	txn.oids[oid] = len(data) == 0

	if err := txn.jtxn.Write(minimalObjectFileName(oid), body); err != nil {
		return record.TID{}, err
	}
	return txn.tid, nil
}

// Vote only stages the updated root pointers: there is no transaction file
// to write and no dangling reference check.
func (m *Minimal) Vote(txn *Txn) error {
	if txn.state != stateBegun {
		return ErrTxnState
	}
	if err := m.voteRootFiles(txn); err != nil {
		return err
	}
	txn.state = stateVoted
	return nil
}

func (m *Minimal) Finish(txn *Txn) error { return m.finishCommon(txn) }

// Load returns the pickle and serial of an object's only revision.
func (m *Minimal) Load(oid record.OID) ([]byte, record.TID, error) {
	of, err := m.loadObjectFile(oid)
	if err != nil {
		return nil, record.TID{}, err
	}
	return of.Pickle, of.ThisSerial, nil
}

// LoadSerial only succeeds when tid matches the single stored revision;
// Minimal keeps no history to load any other serial from.
func (m *Minimal) LoadSerial(oid record.OID, tid record.TID) ([]byte, error) {
	of, err := m.loadObjectFile(oid)
	if err != nil {
		return nil, err
	}
	if of.ThisSerial != tid {
		return nil, &POSKeyError{OID: oid}
	}
	return of.Pickle, nil
}

func (m *Minimal) History(oid record.OID, count int, filter func(Entry) bool) ([]Entry, error) {
	return nil, fmt.Errorf("%w: History", ErrUnsupported)
}

func (m *Minimal) UndoLog(first, last int, filter func(Entry) bool) ([]Entry, error) {
	return nil, fmt.Errorf("%w: UndoLog", ErrUnsupported)
}

func (m *Minimal) TransactionalUndo(txn *Txn, target record.TID) ([]record.OID, error) {
	return nil, fmt.Errorf("%w: TransactionalUndo", ErrUnsupported)
}

func (m *Minimal) Pack(threshold time.Time, refs ReferencesFunc) error {
	return fmt.Errorf("%w: Pack", ErrUnsupported)
}
