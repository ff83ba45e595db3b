package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/journal"
	"github.com/cuemby/dirstore/pkg/log"
	"github.com/cuemby/dirstore/pkg/metrics"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
	"github.com/rs/zerolog"
)

// base holds the commit-lock, root pointers and settings shared by Full and
// Minimal. It is never used directly as an Engine; Full and Minimal embed
// it and add their own object/transaction-file layout.
type base struct {
	dir    string
	jfs    *journal.JournalFS
	fs     fsprim.FS
	scheme pathmunge.Scheme
	s      *dsconfig.Settings

	resolver ConflictResolver
	refs     ReferencesFunc
	broker   *events.Broker
	log      zerolog.Logger

	commitMu sync.Mutex // at most one open transaction at a time

	mu         sync.RWMutex // guards the fields below
	maxOID     record.OID
	prevSerial record.TID
	lastPack   record.TID
}

func newBase(dir string, jfs *journal.JournalFS, fs fsprim.FS, scheme pathmunge.Scheme, s *dsconfig.Settings, resolver ConflictResolver, refs ReferencesFunc, broker *events.Broker) (*base, error) {
	b := &base{
		dir:      dir,
		jfs:      jfs,
		fs:       fs,
		scheme:   scheme,
		s:        s,
		resolver: resolver,
		refs:     refs,
		broker:   broker,
		log:      log.WithComponent("store").With().Str("store", dir).Logger(),
	}

	oidBytes, err := jfs.ReadDatabaseFile(record.RootOIDFile)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", record.RootOIDFile, err)
	}
	b.maxOID, err = decodeRoot8(oidBytes)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", record.RootOIDFile, err)
	}

	serialBytes, err := jfs.ReadDatabaseFile(record.RootSerialFile)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", record.RootSerialFile, err)
	}
	prevSerial, err := decodeRoot8(serialBytes)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", record.RootSerialFile, err)
	}
	b.prevSerial = record.TID(prevSerial)

	packedBytes, err := jfs.ReadDatabaseFile(record.RootPackedFile)
	if err != nil {
		if !errors.Is(err, fsprim.ErrFileDoesNotExist) && !errors.Is(err, journal.ErrFileMissingFromJournal) {
			return nil, fmt.Errorf("store: read %s: %w", record.RootPackedFile, err)
		}
		// never packed
	} else {
		lastPack, err := decodeRoot8(packedBytes)
		if err != nil {
			return nil, fmt.Errorf("store: %s: %w", record.RootPackedFile, err)
		}
		b.lastPack = record.TID(lastPack)
	}

	return b, nil
}

func decodeRoot8(b []byte) (record.OID, error) {
	var out record.OID
	if len(b) != 8 {
		return out, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// LastTransaction returns the most recently committed transaction id.
func (b *base) LastTransaction() record.TID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prevSerial
}

func (b *base) lastPackTID() record.TID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPack
}

func (b *base) EnterSnapshot(code string) error { return b.jfs.EnterSnapshot(code) }
func (b *base) LeaveSnapshot(code string) error { return b.jfs.LeaveSnapshot(code) }
func (b *base) SnapshotCode() string            { return b.jfs.SnapshotCode() }

// The methods below forward to the journal so Full/Minimal satisfy
// metrics.StatsProvider without that package importing pkg/journal.
func (b *base) RelocationsLen() int    { return b.jfs.RelocationsLen() }
func (b *base) BacklogTokensFree() int { return b.jfs.BacklogTokensFree() }
func (b *base) FlusherBroken() bool    { return b.jfs.FlusherBroken() }
func (b *base) SnapshotActive() bool   { return b.jfs.SnapshotActive() }

// Close stops the journal's flusher goroutine, waiting for it to drain
// everything already staged under journal/ into A/.
func (b *base) Close() error { return b.jfs.Close() }

// beginCommon validates arguments, acquires the commit lock, and opens a
// fresh journal staging area for tid. Callers must eventually call Abort or
// Finish to release the lock.
func (b *base) beginCommon(tid record.TID, user, desc, ext []byte) (*Txn, error) {
	if len(user) > 65535 || len(desc) > 65535 || len(ext) > 65535 {
		return nil, fmt.Errorf("store: user/description/extension too long")
	}

	b.commitMu.Lock()

	b.mu.RLock()
	prev := b.prevSerial
	b.mu.RUnlock()
	if !prev.IsZero() && !prev.Less(tid) {
		b.commitMu.Unlock()
		return nil, fmt.Errorf("store: descending transaction id in Begin")
	}

	jtxn, err := b.jfs.Begin(tid)
	if err != nil {
		b.commitMu.Unlock()
		return nil, err
	}

	return &Txn{
		tid:     tid,
		user:    user,
		desc:    desc,
		ext:     ext,
		state:   stateBegun,
		jtxn:    jtxn,
		oids:    make(map[record.OID]bool),
		refoids: make(map[record.OID]record.OID),
		undone:  make(map[record.OID]record.TID),
	}, nil
}

// Abort discards a begun-or-voted transaction and releases the commit lock.
func (b *base) Abort(txn *Txn) error {
	if txn.state == stateIdle {
		return ErrTxnState
	}
	err := txn.jtxn.Abort()
	txn.state = stateIdle
	b.commitMu.Unlock()
	return err
}

// finishCommon promotes the transaction's staging area (whose root pointers
// voteRootFiles already staged at vote time) and updates in-memory root
// state. Full and Minimal call this after their own vote-time work
// (transaction file for Full, nothing extra for Minimal).
func (b *base) finishCommon(txn *Txn) error {
	if txn.state != stateVoted {
		return ErrTxnState
	}

	b.mu.Lock()
	for oid := range txn.oids {
		if oid.Uint64() > b.maxOID.Uint64() {
			b.maxOID = oid
		}
	}
	b.mu.Unlock()

	start := time.Now()
	if err := txn.jtxn.Finish(); err != nil {
		b.commitMu.Unlock()
		return err
	}
	metrics.CommitDuration.Observe(time.Since(start).Seconds())

	b.mu.Lock()
	b.prevSerial = txn.tid
	b.mu.Unlock()

	txn.state = stateIdle
	b.commitMu.Unlock()

	if b.broker != nil {
		b.broker.Publish(&events.Event{Type: events.EventTxnFinished, Message: txn.tid.String()})
	}
	return nil
}

// voteRootFiles stages the updated x.oid/x.serial root pointers. Called by
// Full and Minimal from their Vote implementations, after any
// class-specific work (dangling-reference check, transaction file) so the
// whole vote fails atomically if that work fails first.
func (b *base) voteRootFiles(txn *Txn) error {
	b.mu.RLock()
	maxOID := b.maxOID
	b.mu.RUnlock()
	for oid := range txn.oids {
		if oid.Uint64() > maxOID.Uint64() {
			maxOID = oid
		}
	}
	if err := txn.jtxn.Write(record.RootOIDFile, maxOID[:]); err != nil {
		return err
	}
	if err := txn.jtxn.Write(record.RootSerialFile, txn.tid[:]); err != nil {
		return err
	}
	return nil
}

// makeObjectBody builds an object-revision file body per the on-disk
// format: header, checksum, old serial, this serial, pickle.
func (b *base) makeObjectBody(oid record.OID, thisSerial, oldSerial record.TID, data []byte, undoFrom record.TID) []byte {
	of := &record.ObjectFile{
		OID:        oid,
		UndoFrom:   undoFrom,
		PrevSerial: oldSerial,
		ThisSerial: thisSerial,
		Pickle:     data,
	}
	return record.EncodeObjectFile(of, b.s.WriteMD5)
}
