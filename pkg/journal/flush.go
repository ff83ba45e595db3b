package journal

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/metrics"
)

// ErrFileMissingFromJournal means the relocations map pointed at a staging
// directory for a name that is no longer actually there — a corruption
// that should never happen and always indicates a bug in flush/relocation
// bookkeeping, never an ordinary missing record.
var ErrFileMissingFromJournal = errors.New("journal: file missing from staging directory it was relocated to")

func (j *JournalFS) enqueue(dir string, fileCount int, release func()) {
	j.flushMu.Lock()
	j.pending = append(j.pending, pendingDir{path: dir, fileCount: fileCount, release: release})
	j.flushMu.Unlock()
}

func (j *JournalFS) wakeFlusher() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// ReadDatabaseFile reads a logical record by name: relocations first (so a
// reader sees a just-finished transaction before the flusher has moved it),
// then B (snapshot mode, once at least one flush has landed there), then A.
func (j *JournalFS) ReadDatabaseFile(name string) ([]byte, error) {
	j.relocLock.RLock()
	dir, relocated := j.relocations[name]
	j.relocLock.RUnlock()

	if relocated {
		b, err := j.fs.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fsprim.ErrFileDoesNotExist) {
			return nil, ErrFileMissingFromJournal
		}
		return b, err
	}

	j.snapMu.Lock()
	snapshotting := j.snapshotCode != ""
	flushed := j.haveFlushed
	j.snapMu.Unlock()

	if snapshotting && flushed {
		munged := j.scheme.Munge(name)
		b, err := j.fs.ReadFile(filepath.Join(j.bDir(), munged))
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fsprim.ErrFileDoesNotExist) {
			return nil, err
		}
	}

	munged := j.scheme.Munge(name)
	return j.fs.ReadFile(filepath.Join(j.aDir(), munged))
}

func (j *JournalFS) flusherLoop() {
	defer close(j.flusherDone)
	ticker := time.NewTicker(j.s.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.flushAll()
			return
		case <-ticker.C:
			j.flushAll()
		case <-j.wake:
			if j.thresholdsReached() {
				j.flushAll()
			}
		}
	}
}

func (j *JournalFS) thresholdsReached() bool {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()
	files := 0
	for _, p := range j.pending {
		files += p.fileCount
	}
	return len(j.pending) >= j.s.FlushTransactionThreshold || files >= j.s.FlushFileThreshold
}

// flushAll drains every currently pending staged directory into the active
// database directory (A, or B in snapshot mode). A permanent error halts
// the flusher: it is the one condition spec.md treats as unrecoverable
// without operator intervention.
func (j *JournalFS) flushAll() {
	j.flushMu.Lock()
	batch := j.pending
	j.pending = nil
	j.flushMu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	for _, p := range batch {
		if err := j.flushDir(p.path); err != nil {
			j.setBroken(err)
			p.release()
			return
		}
		p.release()
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	files := 0
	for _, p := range batch {
		files += p.fileCount
	}
	metrics.FlushBatchFiles.Observe(float64(files))

	j.snapMu.Lock()
	j.haveFlushed = true
	j.snapMu.Unlock()
}

// flushDir moves every file in a "_done" staging directory into the active
// database directory, then removes the now-empty staging directory.
func (j *JournalFS) flushDir(doneDir string) error {
	target := j.aDir()
	j.snapMu.Lock()
	if j.snapshotCode != "" {
		target = j.bDir()
	}
	j.snapMu.Unlock()

	names, errs := j.fs.ListDir(doneDir)
	var toRemove []string
	for name := range names {
		toRemove = append(toRemove, name)
		munged := j.scheme.Munge(name)
		dest := filepath.Join(target, munged)
		if dir := filepath.Dir(dest); dir != target {
			if err := j.fs.MkdirAll(dir); err != nil {
				return err
			}
		}

		j.relocLock.Lock()
		if j.relocations[name] == doneDir {
			if err := j.fs.Overwrite(filepath.Join(doneDir, name), dest); err != nil {
				j.relocLock.Unlock()
				return err
			}
			delete(j.relocations, name)
		} else if err := j.fs.Unlink(filepath.Join(doneDir, name)); err != nil {
			// a later transaction superseded this copy
			j.relocLock.Unlock()
			return err
		}
		j.relocLock.Unlock()
	}
	if err := <-errs; err != nil {
		return err
	}
	metrics.RelocationsSize.Set(float64(j.relocationsLenUnlocked()))
	return j.fs.Rmdir(doneDir)
}
