package journal

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
)

// ErrRecovery wraps anything found in journal/ at startup that recovery
// does not know how to interpret — a name that matches neither the
// working_<TID>_temp/working_<TID>_done pattern nor a known leftover
// artifact. Seeing this means the directory was touched by something other
// than this engine.
var ErrRecovery = errors.New("journal: unrecognized entry in journal directory")

var stagingPattern = regexp.MustCompile(`^working_([0-9A-F]{16})_(temp|done)$`)

// legacyReplicaArtifact is the name replica_slave.finish_restore wrote in
// the original engine, once it had received a full ustar stream over the
// wire from replica_master and renamed it into place: journal/replica.tar.
// A store migrated from the original engine can still have one lying
// around at first startup if the move crashed before it was unpacked.
// This engine's own replica format (pkg/replica) never produces this
// filename, so seeing it unambiguously means a legacy leftover.
const legacyReplicaArtifact = "replica.tar"

// Recover scans the journal directory for staging leftovers from a crash
// that happened between Finish's rename and the flusher picking the
// directory up. "_done" directories are still fully committed (the rename
// that promotes them is the commit point) so they're re-enqueued for
// flushing; "_temp" directories belong to a transaction that never
// finished and are discarded. Recover must run before Start.
func (j *JournalFS) Recover() error {
	entries, err := os.ReadDir(j.journalDir())
	if err != nil {
		return fmt.Errorf("journal: read journal dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() && e.Name() == legacyReplicaArtifact {
			if len(entries) != 1 {
				return fmt.Errorf("%w: %s must be the sole journal entry", ErrRecovery, legacyReplicaArtifact)
			}
			return j.recoverLegacyReplicaArtifact()
		}
	}

	var recovered, discarded int
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			return fmt.Errorf("%w: %s", ErrRecovery, name)
		}

		m := stagingPattern.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrRecovery, name)
		}

		dir := filepath.Join(j.journalDir(), name)
		switch m[2] {
		case "done":
			count, err := j.recoverDoneDir(dir)
			if err != nil {
				return fmt.Errorf("journal: recover %s: %w", name, err)
			}
			recovered += count
		case "temp":
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("journal: discard incomplete %s: %w", name, err)
			}
			discarded++
		}
	}

	j.log.Info().Int("recovered_txns", recovered).Int("discarded_txns", discarded).Msg("journal recovery complete")
	if j.broker != nil {
		j.broker.Publish(&events.Event{Type: events.EventRecoveryDone, Metadata: map[string]string{
			"recovered": fmt.Sprint(recovered),
			"discarded": fmt.Sprint(discarded),
		}})
	}
	return nil
}

// recoverLegacyReplicaArtifact unpacks a leftover journal/replica.tar into
// A/ and retires the tarball to misc/replica.previous. B/ must be empty:
// the original engine only ever wrote this file at startup, before the
// normal snapshot-mode recovery path had a chance to populate B.
func (j *JournalFS) recoverLegacyReplicaArtifact() error {
	bEntries, err := os.ReadDir(j.bDir())
	if err != nil {
		return fmt.Errorf("journal: read B dir: %w", err)
	}
	if len(bEntries) != 0 {
		return fmt.Errorf("%w: %s found but B is not empty", ErrRecovery, legacyReplicaArtifact)
	}

	path := filepath.Join(j.journalDir(), legacyReplicaArtifact)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", legacyReplicaArtifact, err)
	}

	var unpacked int
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return fmt.Errorf("journal: read %s: %w", legacyReplicaArtifact, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			f.Close()
			return fmt.Errorf("journal: read %s from %s: %w", hdr.Name, legacyReplicaArtifact, err)
		}
		if err := j.unpackInto(j.aDir(), hdr.Name, data); err != nil {
			f.Close()
			return err
		}
		unpacked++
	}
	f.Close()

	dest := filepath.Join(j.miscDir(), "replica.previous")
	if err := j.fs.Overwrite(path, dest); err != nil {
		return fmt.Errorf("journal: retire %s: %w", legacyReplicaArtifact, err)
	}

	j.log.Info().Int("files", unpacked).Msg("unpacked legacy replica.tar")
	if j.broker != nil {
		j.broker.Publish(&events.Event{Type: events.EventRecoveryDone, Metadata: map[string]string{
			"legacy_replica_unpacked": fmt.Sprint(unpacked),
		}})
	}
	return nil
}

// unpackInto writes one tar entry's contents under dir, via a sibling temp
// file and atomic rename so a crash mid-unpack never leaves a partial file
// at the final name — re-running recovery would otherwise see a corrupt
// file that happens to already exist and skip rewriting it.
func (j *JournalFS) unpackInto(dir, name string, data []byte) error {
	dest := filepath.Join(dir, name)
	if parent := filepath.Dir(dest); parent != dir {
		if err := j.fs.MkdirAll(parent); err != nil {
			return fmt.Errorf("journal: unpack %s: %w", name, err)
		}
	}
	tmp := dest + ".recover-tmp"
	if err := j.fs.Unlink(tmp); err != nil && !errors.Is(err, fsprim.ErrFileDoesNotExist) {
		return fmt.Errorf("journal: unpack %s: %w", name, err)
	}
	if err := j.fs.WriteFile(tmp, data); err != nil {
		return fmt.Errorf("journal: unpack %s: %w", name, err)
	}
	if err := j.fs.Overwrite(tmp, dest); err != nil {
		return fmt.Errorf("journal: unpack %s: %w", name, err)
	}
	return nil
}

// recoverDoneDir registers relocations for a "_done" staging directory left
// over from before a crash and hands it to the flusher, exactly as Finish
// does for a directory it just produced.
func (j *JournalFS) recoverDoneDir(dir string) (int, error) {
	names, errs := j.fs.ListDir(dir)
	var staged []string
	for name := range names {
		staged = append(staged, name)
	}
	if err := <-errs; err != nil {
		return 0, err
	}
	if len(staged) == 0 {
		return 0, j.fs.Rmdir(dir)
	}

	j.relocLock.Lock()
	for _, name := range staged {
		j.relocations[name] = dir
	}
	j.relocLock.Unlock()

	// The flusher is not running yet, so only take a backlog token if one
	// is free; blocking here would hang recovery once the leftover done
	// dirs outnumber the backlog.
	release := func() {}
	select {
	case j.backlog <- struct{}{}:
		release = func() { <-j.backlog }
	default:
	}
	j.enqueue(dir, len(staged), release)
	return 1, nil
}
