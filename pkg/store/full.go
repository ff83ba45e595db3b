package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/journal"
	"github.com/cuemby/dirstore/pkg/pack"
	"github.com/cuemby/dirstore/pkg/record"
)

// Full keeps a transaction file alongside every object revision, so it
// supports undo, history and pack. Grounded line-for-line on the original
// engine's full-featured storage class.
type Full struct {
	*base
}

func (f *Full) currentSerial(oid record.OID) (record.TID, bool, error) {
	name := record.CurrentPointerName(oid)
	data, err := f.jfs.ReadDatabaseFile(name)
	if err != nil {
		if errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal) {
			return record.TID{}, false, nil
		}
		return record.TID{}, false, err
	}
	tid, err := record.DecodeCurrentPointer(name, data)
	if err != nil {
		return record.TID{}, false, err
	}
	return tid, true, nil
}

func (f *Full) loadObjectFile(oid record.OID, tid record.TID) (*record.ObjectFile, error) {
	name := record.ObjectFileName(oid, tid)
	data, err := f.jfs.ReadDatabaseFile(name)
	if err != nil {
		if errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal) {
			return nil, &POSKeyError{OID: oid}
		}
		return nil, err
	}
	return record.DecodeObjectFile(name, data, f.s.CheckObjectMD5)
}

func (f *Full) Begin(tid record.TID, user, desc, ext []byte) (*Txn, error) {
	return f.beginCommon(tid, user, desc, ext)
}

// Store writes one object revision into the open transaction's staging
// area. expectedSerial must match the object's current serial (or be the
// zero TID for a brand-new object); otherwise the configured resolver is
// given a chance to merge before ConflictError is raised.
func (f *Full) Store(txn *Txn, oid record.OID, expectedSerial record.TID, data []byte) (record.TID, error) {
	if txn.state != stateBegun {
		return record.TID{}, ErrTxnState
	}

	oldSerial, ok, err := f.currentSerial(oid)
	if err != nil {
		return record.TID{}, err
	}
	if oldSerial != expectedSerial { // oldSerial is the zero TID when !ok
		if f.resolver != nil {
			if merged, resolved := f.resolver(oid, oldSerial, expectedSerial, data); resolved {
				data = merged
			} else {
				return record.TID{}, &ConflictError{OID: oid, OldSerial: oldSerial, NewSerial: expectedSerial}
			}
		} else {
			return record.TID{}, &ConflictError{OID: oid, OldSerial: oldSerial, NewSerial: expectedSerial}
		}
	}

	body := f.makeObjectBody(oid, txn.tid, oldSerial, data, record.TID{})

	if f.s.CheckDanglingReferences && f.refs != nil {
		refoids, err := f.refs(data)
		if err != nil {
			return record.TID{}, fmt.Errorf("store: extract references: %w", err)
		}
		for _, refoid := range refoids {
			txn.refoids[refoid] = oid
		}
	}

	if _, already := txn.oids[oid]; !already {
		txn.order = append(txn.order, oid)
	}
	txn.oids[oid] = len(data) == 0

	if err := txn.jtxn.Write(record.ObjectFileName(oid, txn.tid), body); err != nil {
		return record.TID{}, err
	}
	if err := txn.jtxn.Write(record.CurrentPointerName(oid), record.EncodeCurrentPointer(txn.tid)); err != nil {
		return record.TID{}, err
	}
	return txn.tid, nil
}

// Vote checks every reference recorded by Store for dangling targets,
// writes the transaction file, and stages the updated root pointers.
func (f *Full) Vote(txn *Txn) error {
	if txn.state != stateBegun {
		return ErrTxnState
	}

	goodOld := make(map[record.OID]bool)
	for refoid, soid := range txn.refoids {
		if isGB, writtenHere := txn.oids[refoid]; writtenHere {
			if isGB {
				return &DanglingReferenceError{SourceOID: soid, RefOID: refoid}
			}
			continue
		}
		if goodOld[refoid] {
			continue
		}
		if _, ok, err := f.currentSerial(refoid); err != nil {
			return err
		} else if !ok {
			return &DanglingReferenceError{SourceOID: soid, RefOID: refoid}
		}
		goodOld[refoid] = true
	}

	prevSerial := f.LastTransaction()
	if !prevSerial.IsZero() && !prevSerial.Less(txn.tid) {
		return fmt.Errorf("store: transaction id does not advance past last transaction")
	}

	tf := &record.TransactionFile{
		TID:         txn.tid,
		PrevTID:     prevSerial,
		User:        txn.user,
		Description: txn.desc,
		Extension:   txn.ext,
		OIDs:        txn.order,
	}
	body := record.EncodeTransactionFile(tf, f.s.WriteMD5)
	if err := txn.jtxn.Write(record.TransactionFileName(txn.tid), body); err != nil {
		return err
	}

	if err := f.voteRootFiles(txn); err != nil {
		return err
	}

	txn.state = stateVoted
	return nil
}

func (f *Full) Finish(txn *Txn) error { return f.finishCommon(txn) }

// Load returns the pickle and serial of an object's current revision.
func (f *Full) Load(oid record.OID) ([]byte, record.TID, error) {
	tid, ok, err := f.currentSerial(oid)
	if err != nil {
		return nil, record.TID{}, err
	}
	if !ok {
		return nil, record.TID{}, &POSKeyError{OID: oid}
	}
	of, err := f.loadObjectFile(oid, tid)
	if err != nil {
		return nil, record.TID{}, err
	}
	if of.CreationUndone() {
		return nil, record.TID{}, &ErrCreationUndone{OID: oid}
	}
	return of.Pickle, tid, nil
}

// LoadSerial returns the pickle stored for oid at exactly this serial.
func (f *Full) LoadSerial(oid record.OID, tid record.TID) ([]byte, error) {
	of, err := f.loadObjectFile(oid, tid)
	if err != nil {
		return nil, err
	}
	if of.CreationUndone() {
		return nil, &POSKeyError{OID: oid}
	}
	return of.Pickle, nil
}

// History walks an object's revision chain, newest first, up to count
// entries matching filter.
func (f *Full) History(oid record.OID, count int, filter func(Entry) bool) ([]Entry, error) {
	tid, ok, err := f.currentSerial(oid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &POSKeyError{OID: oid}
	}

	var out []Entry
	lastPack := f.lastPackTID()
	timeout := f.historyDeadline()
	first := true
	for len(out) < count {
		e := Entry{TID: tid, Time: tid.Time()}

		txData, err := f.jfs.ReadDatabaseFile(record.TransactionFileName(tid))
		if err != nil {
			if (errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal)) && tid.Less(lastPack) {
				e.User = []byte("User Name no longer recorded")
				e.Description = []byte("Description no longer recorded")
			} else {
				return nil, err
			}
		} else {
			tf, err := record.DecodeTransactionFile(record.TransactionFileName(tid), txData, f.s.CheckTransactionMD5)
			if err != nil {
				return nil, err
			}
			e.User = tf.User
			e.Description = tf.Description
		}

		of, err := f.loadObjectFile(oid, tid)
		if err != nil {
			var keyErr *POSKeyError
			if errors.As(err, &keyErr) && !first && tid.Less(lastPack) {
				break
			}
			return nil, err
		}
		e.Size = len(of.Pickle)
		if filter == nil || filter(e) {
			out = append(out, e)
		}

		tid = of.PrevSerial
		if tid.IsZero() {
			break
		}
		if !timeout.IsZero() && time.Now().After(timeout) {
			break
		}
		first = false
	}
	return out, nil
}

func (f *Full) historyDeadline() time.Time {
	if f.s.HistoryTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(f.s.HistoryTimeout)
}

// UndoLog scans backward from the most recent transaction, returning
// entries between first and last (Python-style: last<0 means "first-last+1
// entries") whose every modified object can still be undone cleanly.
func (f *Full) UndoLog(first, last int, filter func(Entry) bool) ([]Entry, error) {
	if last < 0 {
		last = first - last + 1
	}
	var out []Entry
	i := 0
	lastPack := f.lastPackTID()
	timeout := f.historyDeadline()
	tid := f.LastTransaction()
	if tid.IsZero() {
		return out, nil
	}

	for i < last {
		txData, err := f.jfs.ReadDatabaseFile(record.TransactionFileName(tid))
		if err != nil {
			if (errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal)) && tid.Less(lastPack) {
				break
			}
			return nil, err
		}
		tf, err := record.DecodeTransactionFile(record.TransactionFileName(tid), txData, f.s.CheckTransactionMD5)
		if err != nil {
			return nil, err
		}

		isUndoable := true
		for _, oid := range tf.OIDs {
			if !timeout.IsZero() && time.Now().After(timeout) {
				isUndoable = false
				break
			}
			of, err := f.loadObjectFile(oid, tid)
			if err != nil {
				var keyErr *POSKeyError
				if errors.As(err, &keyErr) && tid.Less(lastPack) {
					isUndoable = false
					break
				}
				return nil, err
			}
			if of.PrevSerial.IsZero() {
				continue
			}
			if _, err := f.loadObjectFile(oid, of.PrevSerial); err != nil {
				var keyErr *POSKeyError
				if errors.As(err, &keyErr) && of.PrevSerial.Less(lastPack) {
					isUndoable = false
					break
				}
				return nil, err
			}
		}

		if isUndoable {
			e := Entry{TID: tid, Time: tid.Time(), User: tf.User, Description: tf.Description}
			if filter == nil || filter(e) {
				if i >= first {
					out = append(out, e)
				}
				i++
			}
		}

		if tf.PrevTID.IsZero() {
			break
		}
		tid = tf.PrevTID
		if !timeout.IsZero() && time.Now().After(timeout) {
			break
		}
	}
	return out, nil
}

// TransactionalUndo rewrites every object modified by target back to its
// pre-target revision, staging new current revisions under the open
// transaction. It refuses if a later transaction already overwrote one of
// those objects with something other than a copy of the undone revision.
func (f *Full) TransactionalUndo(txn *Txn, target record.TID) ([]record.OID, error) {
	if txn.state != stateBegun {
		return nil, ErrTxnState
	}
	txName := record.TransactionFileName(target)
	txData, err := f.jfs.ReadDatabaseFile(txName)
	if err != nil {
		if errors.Is(err, fsprim.ErrFileDoesNotExist) || errors.Is(err, journal.ErrFileMissingFromJournal) {
			return nil, &ErrUndo{Reason: "no record of that transaction"}
		}
		return nil, err
	}
	tf, err := record.DecodeTransactionFile(txName, txData, f.s.CheckTransactionMD5)
	if err != nil {
		return nil, err
	}

	var touched []record.OID
	for _, oid := range tf.OIDs {
		undone, err := f.loadObjectFile(oid, target)
		if err != nil {
			return nil, err
		}

		current, _, err := f.currentSerial(oid)
		if err != nil {
			return nil, err
		}
		undoCurrent := current
		if u, already := txn.undone[oid]; already {
			undoCurrent = u
		}
		if undoCurrent != target {
			cdata, err := f.loadObjectFile(oid, undoCurrent)
			if err != nil {
				return nil, err
			}
			if cdata.UndoFrom != target {
				return nil, &ErrUndo{Reason: "some objects modified by a later transaction"}
			}
		}

		var body []byte
		if undone.PrevSerial.IsZero() {
			body = f.makeObjectBody(oid, txn.tid, current, nil, undone.PrevSerial)
		} else {
			prev, err := f.loadObjectFile(oid, undone.PrevSerial)
			if err != nil {
				return nil, err
			}
			txn.undone[oid] = undone.PrevSerial
			body = f.makeObjectBody(oid, txn.tid, current, prev.Pickle, undone.PrevSerial)
		}

		if _, already := txn.oids[oid]; !already {
			txn.order = append(txn.order, oid)
		}
		txn.oids[oid] = len(body) == objectHeaderSize()
		if err := txn.jtxn.Write(record.ObjectFileName(oid, txn.tid), body); err != nil {
			return nil, err
		}
		if err := txn.jtxn.Write(record.CurrentPointerName(oid), record.EncodeCurrentPointer(txn.tid)); err != nil {
			return nil, err
		}
		touched = append(touched, oid)
	}
	return touched, nil
}

func objectHeaderSize() int { return 72 }

// Pack runs the four-pass mark-and-sweep in pkg/pack, inside snapshot mode
// so it can trawl a quiescent copy of A without racing the flusher.
func (f *Full) Pack(threshold time.Time, refs ReferencesFunc) error {
	upperLimit := time.Now().Add(-f.s.MinPackTime)
	if threshold.After(upperLimit) {
		threshold = upperLimit
	}
	t := record.NewTID(threshold)
	last := f.LastTransaction()
	if t.Uint64() > last.Uint64() && f.s.MinPackTime > 0 {
		t = last
	}

	code := "pack-" + t.String()
	if err := f.jfs.EnterSnapshot(code); err != nil {
		return err
	}
	defer f.jfs.LeaveSnapshot(code)

	if t.Uint64() > f.lastPackTID().Uint64() {
		if err := f.writePackedMarker(t); err != nil {
			return err
		}
	}

	_, err := pack.Run(pack.Config{
		Dir:         f.dir,
		FS:          f.fs,
		Scheme:      f.scheme,
		MarkBackend: f.s.MarkBackend,
		Threshold:   t,
		References:  pack.ReferencesFunc(refs),
		KeepClass:   f.s.KeepClass,
		KeepAncient: f.s.KeepPolicyDefault == "detailed",
		DelayDelete: f.s.DelayDelete,
		MinPackTime: f.s.MinPackTime,
		LastPack:    f.lastPackTID(),
	})
	if err != nil {
		return err
	}
	if f.broker != nil {
		f.broker.Publish(&events.Event{Type: events.EventPackCompleted})
	}
	return nil
}

func (f *Full) writePackedMarker(t record.TID) error {
	f.mu.Lock()
	f.lastPack = t
	f.mu.Unlock()
	path := f.dir + "/A/" + f.scheme.Munge(record.RootPackedFile)
	if f.fs.Exists(path) {
		return f.fs.ModifyFile(path, 0, t[:])
	}
	return f.fs.WriteFile(path, t[:])
}
