// Package journal implements the write-ahead staging area and background
// flusher that separate a transaction's durability (fsync'd into
// journal/working_<TID>_done) from its visibility in the database
// directory (A/, or B/ while in snapshot mode). A single flusher goroutine
// owns all mutation of A/B; any number of readers call ReadDatabaseFile
// concurrently without blocking on it.
package journal

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/log"
	"github.com/cuemby/dirstore/pkg/metrics"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/rs/zerolog"
)

// JournalFS coordinates transaction staging, the background flush of
// staged transactions into the live database directory, and snapshot mode.
type JournalFS struct {
	Dir    string
	fs     fsprim.FS
	scheme pathmunge.Scheme
	s      *dsconfig.Settings

	relocLock   sync.RWMutex
	relocations map[string]string // logical record name -> staging "_done" dir

	flushMu     sync.Mutex
	pending     []pendingDir
	wake        chan struct{}
	stopCh      chan struct{}
	flusherDone chan struct{}

	backlog chan struct{} // counting semaphore, capacity = settings.Backlog

	snapMu       sync.Mutex
	snapshotCode string
	haveFlushed  bool

	broken    atomic.Bool
	brokenErr atomic.Value // wraps errBox

	broker *events.Broker
	log    zerolog.Logger
}

type pendingDir struct {
	path      string
	fileCount int
	release   func() // releases this dir's backlog token once flushed
}

// New constructs a JournalFS rooted at dir (the store's top-level
// directory, containing A/, B/, journal/, misc/, config/).
func New(dir string, fs fsprim.FS, scheme pathmunge.Scheme, s *dsconfig.Settings, broker *events.Broker) *JournalFS {
	backlog := s.Backlog
	if backlog <= 0 {
		backlog = 1
	}
	j := &JournalFS{
		Dir:         dir,
		fs:          fs,
		scheme:      scheme,
		s:           s,
		relocations: make(map[string]string),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		flusherDone: make(chan struct{}),
		backlog:     make(chan struct{}, backlog),
		broker:      broker,
		log:         log.WithComponent("journal"),
	}
	return j
}

func (j *JournalFS) journalDir() string { return filepath.Join(j.Dir, "journal") }
func (j *JournalFS) miscDir() string    { return filepath.Join(j.Dir, "misc") }

// activeDBDir returns "A" or "B" depending on whether a snapshot is active.
func (j *JournalFS) activeDBDir() string {
	j.snapMu.Lock()
	defer j.snapMu.Unlock()
	if j.snapshotCode != "" {
		return filepath.Join(j.Dir, "B")
	}
	return filepath.Join(j.Dir, "A")
}

func (j *JournalFS) aDir() string { return filepath.Join(j.Dir, "A") }
func (j *JournalFS) bDir() string { return filepath.Join(j.Dir, "B") }

// Start launches the background flusher after Recover has run.
func (j *JournalFS) Start() {
	go j.flusherLoop()
}

// Close signals the flusher to stop and waits for it to drain.
func (j *JournalFS) Close() error {
	close(j.stopCh)
	<-j.flusherDone
	return nil
}

// Broken reports whether the flusher has halted after an unrecoverable
// error. Finish refuses once this is set; EnterSnapshot does not check it.
func (j *JournalFS) Broken() bool { return j.broken.Load() }

type errBox struct{ err error }

// BrokenError returns the error that halted the flusher, if any.
func (j *JournalFS) BrokenError() error {
	if v := j.brokenErr.Load(); v != nil {
		return v.(errBox).err
	}
	return nil
}

func (j *JournalFS) setBroken(err error) {
	j.brokenErr.Store(errBox{err})
	j.broken.Store(true)
	j.log.Error().Err(err).Msg("flusher halted after unrecoverable error")
	metrics.FlusherBroken.Set(1)
	if j.broker != nil {
		j.broker.Publish(&events.Event{Type: events.EventFlusherBroken, Message: err.Error()})
	}
}

// ClearBroken lets an operator resume the flusher after manually
// resolving whatever made it halt.
func (j *JournalFS) ClearBroken() {
	j.broken.Store(false)
	j.brokenErr.Store(errBox{})
	metrics.FlusherBroken.Set(0)
}

var errFlusherBroken = fmt.Errorf("journal: flusher is broken, refusing further work")
