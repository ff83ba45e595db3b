// Package pack implements the four-pass mark-and-sweep that reclaims
// object revisions no reference chain can reach any more: clear marks,
// trace reachable objects from the root plus recent transactions, relink
// transaction back-pointers across the gaps sweeping leaves, then sweep
// unmarked files with delayed-deletion renaming.
package pack

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/log"
	"github.com/cuemby/dirstore/pkg/mark"
	"github.com/cuemby/dirstore/pkg/metrics"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
	"github.com/rs/zerolog"
)

// ReferencesFunc extracts the oids a stored pickle refers to, same shape
// as store.ReferencesFunc; pack never imports pkg/store to avoid a cycle.
type ReferencesFunc func(pickle []byte) ([]record.OID, error)

// Config is everything one pack run needs. Dir must be the store's root
// directory; FS/Scheme must match the store's own. Run operates on A/
// directly (the caller is expected to hold snapshot mode so A/ is
// quiescent).
type Config struct {
	Dir         string
	FS          fsprim.FS
	Scheme      pathmunge.Scheme
	MarkBackend string
	Threshold   record.TID
	References  ReferencesFunc
	KeepClass   map[string]dsconfig.KeepPolicy
	KeepAncient bool
	DelayDelete time.Duration
	MinPackTime time.Duration
	LastPack    record.TID
}

// Run executes one pack pass and reports how many files it swept (unlinked
// or renamed for delayed deletion).
func Run(cfg Config) (int, error) {
	start := time.Now()
	ctx, err := newMarkContext(cfg)
	if err != nil {
		return 0, err
	}
	defer ctx.Close()

	if err := ctx.UnmarkAll(); err != nil {
		return 0, err
	}

	r := &run{cfg: cfg, ctx: ctx, paths: make(map[string]bool), log: log.WithComponent("pack")}

	rootOID := record.OID{}
	if err := r.markReachable(rootOID); err != nil {
		return 0, err
	}
	if err := r.markRecentTransactions(); err != nil {
		return 0, err
	}
	r.markName(record.RootOIDFile)
	r.markName(record.RootSerialFile)
	r.markName(record.RootPackedFile)

	if err := r.relink(); err != nil {
		return 0, err
	}

	swept, err := r.sweep()
	if err != nil {
		return 0, err
	}

	metrics.PackDuration.Observe(time.Since(start).Seconds())
	metrics.PackMarkedTotal.Add(float64(len(r.paths)))
	metrics.PackSweptTotal.Add(float64(swept))
	r.log.Info().Int("marked", len(r.paths)).Int("swept", swept).Dur("elapsed", time.Since(start)).Msg("pack pass complete")

	return swept, nil
}

func newMarkContext(cfg Config) (mark.Context, error) {
	switch cfg.MarkBackend {
	case "file":
		return mark.NewFileContext(filepath.Join(cfg.Dir, "misc", "packing"))
	case "bolt":
		return mark.NewBoltContext(filepath.Join(cfg.Dir, "misc", "packing.bolt"))
	default:
		return mark.NewMemoryContext(), nil
	}
}

// run carries the state threaded through one pack pass's four functions.
type run struct {
	cfg   Config
	ctx   mark.Context
	paths map[string]bool // munged relative path -> marked, for sweep
	log   zerolog.Logger
}

func (r *run) aPath(name string) string {
	return filepath.Join(r.cfg.Dir, "A", r.cfg.Scheme.Munge(name))
}

func (r *run) markName(name string) {
	r.ctx.Mark(name)
	r.paths[r.cfg.Scheme.Munge(name)] = true
}

func (r *run) readObject(oid record.OID, tid record.TID) (*record.ObjectFile, error) {
	data, err := r.cfg.FS.ReadFile(r.aPath(record.ObjectFileName(oid, tid)))
	if err != nil {
		return nil, err
	}
	return record.DecodeObjectFile(record.ObjectFileName(oid, tid), data, false)
}

func (r *run) currentSerial(oid record.OID) (record.TID, bool) {
	data, err := r.cfg.FS.ReadFile(r.aPath(record.CurrentPointerName(oid)))
	if err != nil {
		return record.TID{}, false
	}
	tid, err := record.DecodeCurrentPointer(record.CurrentPointerName(oid), data)
	if err != nil {
		return record.TID{}, false
	}
	return tid, true
}

// markReachable marks oid's current pointer, walks its revision chain
// (markChain), and recurses into every oid its current pickle references.
func (r *run) markReachable(oid record.OID) error {
	tid, ok := r.currentSerial(oid)
	if !ok {
		return nil // no such object; root (oid zero) may not exist yet in a fresh store
	}
	if r.paths[r.cfg.Scheme.Munge(record.ObjectFileName(oid, tid))] {
		return nil // already visited via another reference path
	}
	r.markName(record.CurrentPointerName(oid))

	of, err := r.readObject(oid, tid)
	if err != nil {
		return err // current revision unreadable is always fatal
	}
	r.markChain(oid, tid, of)

	if r.cfg.References == nil || of.CreationUndone() {
		return nil
	}
	refs, err := r.cfg.References(of.Pickle)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := r.markReachable(ref); err != nil {
			return err
		}
	}
	return nil
}

// markChain walks oid's revision chain backward from (tid, of), marking
// each object file, and its transaction file whenever that revision is at
// or after the threshold (or KeepAncient forces it regardless of age). The
// walk itself continues past the threshold only while a per-class keepclass
// override on the object's current class says the next older revision
// hasn't expired yet; once no override applies, or the override's own
// extended cutoff has passed, it stops.
func (r *run) markChain(oid record.OID, tid record.TID, of *record.ObjectFile) {
	var keep *dsconfig.KeepPolicy
	first := true
	for {
		r.markName(record.ObjectFileName(oid, tid))

		if first {
			if !of.CreationUndone() {
				if kp, ok := r.cfg.KeepClass[record.ClassNameFromPickle(of.Pickle)]; ok {
					keep = &kp
				}
			}
			first = false
		}

		if !tid.Less(r.cfg.Threshold) || r.cfg.KeepAncient {
			r.markName(record.TransactionFileName(tid))
		}

		if of.PrevSerial.IsZero() {
			return
		}
		prev := of.PrevSerial
		if prev.Less(r.cfg.Threshold) && (keep == nil || keep.Expired(r.cfg.Threshold, prev)) {
			return
		}
		tid = prev
		next, err := r.readObject(oid, tid)
		if err != nil {
			return // older revision unreadable: the walk stops here and the error is not reported
		}
		of = next
	}
}

// markRecentTransactions walks x.serial backward, keeping the two newest
// transaction files unconditionally (unless min_pack_time==0) and every
// transaction at or after the threshold, re-marking each listed oid's
// full reachable graph so recent undo stays possible.
func (r *run) markRecentTransactions() error {
	tid := r.lastTransaction()
	if tid.IsZero() {
		return nil
	}
	seen := 0
	for !tid.IsZero() {
		txName := record.TransactionFileName(tid)
		data, err := r.cfg.FS.ReadFile(r.aPath(txName))
		if err != nil {
			if tid.Uint64() >= r.cfg.LastPack.Uint64() {
				return err
			}
			return nil
		}
		tf, err := record.DecodeTransactionFile(txName, data, false)
		if err != nil {
			return err
		}

		keep := seen < 2 && r.cfg.MinPackTime > 0
		if !tid.Less(r.cfg.Threshold) || keep {
			r.markName(txName)
			for _, oid := range tf.OIDs {
				if err := r.markReachable(oid); err != nil {
					return err
				}
			}
		} else if seen >= 2 {
			break
		}

		seen++
		tid = tf.PrevTID
	}
	return nil
}

func (r *run) lastTransaction() record.TID {
	data, err := r.cfg.FS.ReadFile(r.aPath(record.RootSerialFile))
	if err != nil || len(data) != 8 {
		return record.TID{}
	}
	var tid record.TID
	copy(tid[:], data)
	return tid
}

// relink walks the transaction chain from x.serial, and whenever an
// unmarked transaction is skipped over, patches the most recent marked
// transaction's prev_tid field (offset record.PrevTIDOffset) to point past
// the gap, so the marked subset stays a continuous chain.
func (r *run) relink() error {
	tid := r.lastTransaction()
	var lastMarkedName string
	for !tid.IsZero() {
		txName := record.TransactionFileName(tid)
		data, err := r.cfg.FS.ReadFile(r.aPath(txName))
		if err != nil {
			break
		}
		tf, err := record.DecodeTransactionFile(txName, data, false)
		if err != nil {
			return err
		}

		if r.paths[r.cfg.Scheme.Munge(txName)] {
			lastMarkedName = txName
		} else if lastMarkedName != "" {
			if err := r.cfg.FS.ModifyFile(r.aPath(lastMarkedName), record.PrevTIDOffset, tf.PrevTID[:]); err != nil {
				return err
			}
		}

		tid = tf.PrevTID
	}
	return nil
}

// sweep walks A/ and removes (or delayed-delete renames) every file this
// pass did not mark, then prunes directories left empty by the removals.
func (r *run) sweep() (int, error) {
	root := filepath.Join(r.cfg.Dir, "A")
	var swept int
	now := time.Now()

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if r.paths[rel] {
			return nil
		}

		if epoch, ok := deletedEpoch(path); ok {
			if now.Sub(epoch) >= r.cfg.DelayDelete {
				if err := r.cfg.FS.Unlink(path); err != nil {
					return err
				}
				swept++
			}
			return nil
		}

		if r.cfg.DelayDelete <= 0 {
			if err := r.cfg.FS.Unlink(path); err != nil {
				return err
			}
			swept++
			return nil
		}
		deletedPath := path + "-" + formatEpoch(now) + "-deleted"
		if err := r.cfg.FS.Rename(path, deletedPath); err != nil {
			return err
		}
		swept++
		return nil
	})
	if err != nil {
		return swept, err
	}

	pruneEmptyDirs(root)
	return swept, nil
}

func formatEpoch(t time.Time) string { return t.Format("20060102150405") }

func deletedEpoch(path string) (time.Time, bool) {
	base := filepath.Base(path)
	const suffix = "-deleted"
	if len(base) <= len(suffix) || base[len(base)-len(suffix):] != suffix {
		return time.Time{}, false
	}
	trimmed := base[:len(base)-len(suffix)]
	i := len(trimmed) - 1
	for i >= 0 && trimmed[i] != '-' {
		i--
	}
	if i < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", trimmed[i+1:])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func pruneEmptyDirs(root string) {
	var dirs []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
}
