package journal

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/metrics"
	"github.com/cuemby/dirstore/pkg/record"
)

// Txn is one transaction's staging area: a private directory under
// journal/ that holds half-written record bodies until Finish promotes it
// atomically and hands it to the flusher.
type Txn struct {
	jfs        *JournalFS
	tid        record.TID
	tempDir    string
	halfWrites map[string]*fsprim.HalfWrite
	order      []string
	tokenHeld  bool
}

func stagingName(tid record.TID, suffix string) string {
	return fmt.Sprintf("working_%s_%s", tid, suffix)
}

// Begin creates a fresh staging directory for tid. Only one Txn may be
// open at a time per JournalFS; the caller's commit lock enforces that.
func (j *JournalFS) Begin(tid record.TID) (*Txn, error) {
	dir := filepath.Join(j.journalDir(), stagingName(tid, "temp"))
	if err := j.fs.Mkdir(dir); err != nil {
		return nil, fmt.Errorf("journal: begin %s: %w", tid, err)
	}
	return &Txn{
		jfs:        j,
		tid:        tid,
		tempDir:    dir,
		halfWrites: make(map[string]*fsprim.HalfWrite),
	}, nil
}

// Write stages content under the given logical record name (e.g.
// "o<OID>.<TID>"). Writing the same name twice replaces the prior
// half-write.
func (t *Txn) Write(name string, content []byte) error {
	if existing, ok := t.halfWrites[name]; ok {
		if err := t.jfs.fs.AbortHalfWriteFile(existing); err != nil {
			return err
		}
	} else {
		t.order = append(t.order, name)
	}
	h, err := t.jfs.fs.FirstHalfWriteFile(filepath.Join(t.tempDir, name), content)
	if err != nil {
		return fmt.Errorf("journal: stage %s: %w", name, err)
	}
	t.halfWrites[name] = h
	return nil
}

// Finish fsyncs every staged file, atomically promotes the staging
// directory to "_done", publishes relocations so concurrent readers see the
// new records immediately, and hands the directory to the flusher. It
// blocks on the backlog semaphore if too many transactions are already
// waiting to be flushed, and refuses outright if the flusher is broken.
func (t *Txn) Finish() error {
	if t.jfs.Broken() {
		return errFlusherBroken
	}

	for _, name := range t.order {
		if err := t.jfs.fs.SecondHalfWriteFile(t.halfWrites[name]); err != nil {
			return fmt.Errorf("journal: finish %s: %w", name, err)
		}
	}
	if err := t.jfs.fs.SyncDirectory(t.tempDir); err != nil {
		return fmt.Errorf("journal: sync staging dir: %w", err)
	}

	doneDir := filepath.Join(t.jfs.journalDir(), stagingName(t.tid, "done"))
	if err := t.jfs.fs.Rename(t.tempDir, doneDir); err != nil {
		return fmt.Errorf("journal: promote staging dir: %w", err)
	}
	if err := t.jfs.fs.SyncDirectory(t.jfs.journalDir()); err != nil {
		return fmt.Errorf("journal: sync journal dir: %w", err)
	}

	// Acquire a backlog token before this done-dir becomes visible to
	// readers, so a burst of fast commits against a slow flusher applies
	// backpressure to the committer instead of growing relocations without
	// bound.
	t.jfs.backlog <- struct{}{}
	t.tokenHeld = true

	t.jfs.relocLock.Lock()
	for _, name := range t.order {
		t.jfs.relocations[name] = doneDir
	}
	t.jfs.relocLock.Unlock()
	metrics.RelocationsSize.Set(float64(t.jfs.relocationsLenUnlocked()))

	t.jfs.enqueue(doneDir, len(t.order), func() { <-t.jfs.backlog })
	t.jfs.wakeFlusher()

	metrics.CommitsTotal.WithLabelValues("finished").Inc()
	metrics.ObjectsStoredTotal.Add(float64(len(t.order)))
	return nil
}

// Abort discards every half-write and removes the staging directory.
// Errors are best-effort: an abort should never leave the caller unable to
// retry.
func (t *Txn) Abort() error {
	var firstErr error
	for _, name := range t.order {
		if err := t.jfs.fs.AbortHalfWriteFile(t.halfWrites[name]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.jfs.fs.Rmdir(t.tempDir); err != nil && firstErr == nil {
		firstErr = err
	}
	metrics.CommitsTotal.WithLabelValues("aborted").Inc()
	return firstErr
}

func (j *JournalFS) relocationsLenUnlocked() int {
	j.relocLock.RLock()
	defer j.relocLock.RUnlock()
	return len(j.relocations)
}
