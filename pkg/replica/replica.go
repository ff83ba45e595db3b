// Package replica builds and applies incremental replication streams: the
// set of files a destination store needs to catch up to a source store's
// current transaction, given the last transaction id the destination
// already holds. It replaces the original engine's shell-out to whatsnew.py
// plus cpio/tar with a single self-contained, length-prefixed file stream,
// so a Go port never needs an external tar binary on the wire.
package replica

import (
	"bufio"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
)

// File is one (logical name, contents) pair carried in an Increment. Name
// is the unmunged logical record name; Apply re-munges it for the
// destination's own path-munging scheme, so source and destination may
// even use different formats.
type File struct {
	Name     string
	Contents []byte
}

// Increment is everything a destination needs to catch up from OldTID to
// NewTID: every transaction file in that range, every object revision and
// current pointer those transactions touched, plus the new root pointers.
type Increment struct {
	OldTID record.TID
	NewTID record.TID
	Files  []File
}

// Build walks the transaction chain backward from the store's current
// transaction down to (but not including) sinceTID, collecting every
// transaction file, object revision and current pointer those transactions
// reference. This is the Go equivalent of whatsnew.py's traversal.
func Build(dir string, fs fsprim.FS, scheme pathmunge.Scheme, sinceTID record.TID) (*Increment, error) {
	newTID, err := readCurrentSerial(dir, fs, scheme)
	if err != nil {
		return nil, err
	}

	inc := &Increment{OldTID: sinceTID, NewTID: newTID}
	seen := make(map[string]bool)
	add := func(name string) error {
		if seen[name] {
			return nil
		}
		data, err := fs.ReadFile(aPath(dir, scheme, name))
		if err != nil {
			return fmt.Errorf("replica: read %s: %w", name, err)
		}
		seen[name] = true
		inc.Files = append(inc.Files, File{Name: name, Contents: data})
		return nil
	}

	tid := newTID
	for !tid.IsZero() && tid != sinceTID {
		txName := record.TransactionFileName(tid)
		data, err := fs.ReadFile(aPath(dir, scheme, txName))
		if err != nil {
			return nil, fmt.Errorf("replica: read %s: %w", txName, err)
		}
		tf, err := record.DecodeTransactionFile(txName, data, false)
		if err != nil {
			return nil, err
		}
		if err := add(txName); err != nil {
			return nil, err
		}
		for _, oid := range tf.OIDs {
			if err := add(record.ObjectFileName(oid, tid)); err != nil {
				return nil, err
			}
			if err := add(record.CurrentPointerName(oid)); err != nil {
				return nil, err
			}
		}
		tid = tf.PrevTID
	}

	if err := add(record.RootOIDFile); err != nil {
		return nil, err
	}
	if err := add(record.RootSerialFile); err != nil {
		return nil, err
	}
	return inc, nil
}

// VerifyReference reproduces the original engine's safety check before
// replicating: the destination's claimed OldTID transaction file must still
// exist and must still hash to referenceMD5, or the two stores have
// diverged and must not be merged.
func VerifyReference(dir string, fs fsprim.FS, scheme pathmunge.Scheme, oldTID record.TID, referenceMD5 [16]byte) error {
	if oldTID.IsZero() {
		if referenceMD5 != md5.Sum(nil) {
			return fmt.Errorf("replica: reference hash mismatch for empty store")
		}
		return nil
	}
	name := record.TransactionFileName(oldTID)
	data, err := fs.ReadFile(aPath(dir, scheme, name))
	if err != nil {
		return fmt.Errorf("replica: reference transaction %s missing: %w", name, err)
	}
	if md5.Sum(data) != referenceMD5 {
		return fmt.Errorf("replica: reference transaction %s differs from destination's copy", name)
	}
	return nil
}

// CheckNotPacked rejects replicating from a store that has packed past
// oldTID: the destination would be asking for history the source no longer
// has, exactly the original engine's "storage has been packed since the
// last replica" check.
func CheckNotPacked(dir string, fs fsprim.FS, scheme pathmunge.Scheme, oldTID record.TID) error {
	data, err := fs.ReadFile(aPath(dir, scheme, record.RootPackedFile))
	if err != nil {
		if errors.Is(err, fsprim.ErrFileDoesNotExist) {
			return nil
		}
		return fmt.Errorf("replica: read %s: %w", record.RootPackedFile, err)
	}
	var packed record.TID
	copy(packed[:], data)
	if packed.Uint64() > oldTID.Uint64() {
		return fmt.Errorf("replica: source packed past requested transaction %s", oldTID)
	}
	return nil
}

// Write serializes inc as a stream of length-prefixed (name, contents)
// pairs: a magic header, then per-file a 4-byte name length, the name, an
// 8-byte content length, and the content bytes.
func Write(w io.Writer, inc *Increment) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(streamMagic[:]); err != nil {
		return err
	}
	if _, err := bw.Write(inc.OldTID[:]); err != nil {
		return err
	}
	if _, err := bw.Write(inc.NewTID[:]); err != nil {
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(inc.Files)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for _, f := range inc.Files {
		if err := writeFile(bw, f); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeFile(w io.Writer, f File) error {
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(f.Name)))
	if _, err := w.Write(nameLen[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, f.Name); err != nil {
		return err
	}
	var bodyLen [8]byte
	binary.BigEndian.PutUint64(bodyLen[:], uint64(len(f.Contents)))
	if _, err := w.Write(bodyLen[:]); err != nil {
		return err
	}
	_, err := w.Write(f.Contents)
	return err
}

// Read parses a stream written by Write.
func Read(r io.Reader) (*Increment, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("replica: read magic: %w", err)
	}
	if magic != streamMagic {
		return nil, fmt.Errorf("replica: bad stream magic")
	}
	inc := &Increment{}
	if _, err := io.ReadFull(br, inc.OldTID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(br, inc.NewTID[:]); err != nil {
		return nil, err
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	inc.Files = make([]File, 0, count)
	for i := uint32(0); i < count; i++ {
		f, err := readFile(br)
		if err != nil {
			return nil, err
		}
		inc.Files = append(inc.Files, f)
	}
	return inc, nil
}

func readFile(r io.Reader) (File, error) {
	var nameLen [4]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return File{}, err
	}
	name := make([]byte, binary.BigEndian.Uint32(nameLen[:]))
	if _, err := io.ReadFull(r, name); err != nil {
		return File{}, err
	}
	var bodyLen [8]byte
	if _, err := io.ReadFull(r, bodyLen[:]); err != nil {
		return File{}, err
	}
	body := make([]byte, binary.BigEndian.Uint64(bodyLen[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return File{}, err
	}
	return File{Name: string(name), Contents: body}, nil
}

// streamMagic tags the wire format so Read refuses to interpret an
// unrelated file (or the legacy engine's real replica.tar) as an increment.
var streamMagic = [4]byte{'D', 'S', 'R', '1'}

// Apply writes every file in inc into dir's A directory. The caller is
// expected to hold the destination under EnterSnapshot so A/ is quiescent
// while this runs, the same requirement pack.Run has.
//
// Object revisions and transaction files are content-addressed by their
// tid and never change once written, so an existing copy (left over from a
// previous, partially-applied increment) is left alone. Current-pointer
// files and the root scalar files are mutable pointers that a fresh
// destination already has (dsconfig.Create seeds x.oid/x.serial/x.packed to
// zero) and that a later increment must be able to advance, so those are
// always overwritten with the value this increment carries.
func Apply(dir string, fs fsprim.FS, scheme pathmunge.Scheme, inc *Increment) error {
	aRoot := dir + "/A"
	for _, f := range inc.Files {
		path := aPath(dir, scheme, f.Name)
		if pathDir := filepath.Dir(path); pathDir != aRoot {
			if err := fs.MkdirAll(pathDir); err != nil {
				return fmt.Errorf("replica: mkdir for %s: %w", f.Name, err)
			}
		}
		if isPointerRecord(f.Name) {
			if err := overwriteFile(fs, path, f.Contents); err != nil {
				return fmt.Errorf("replica: write %s: %w", f.Name, err)
			}
			continue
		}
		if fs.Exists(path) {
			continue
		}
		if err := fs.WriteFile(path, f.Contents); err != nil {
			return fmt.Errorf("replica: write %s: %w", f.Name, err)
		}
	}
	return nil
}

func isPointerRecord(name string) bool {
	switch name {
	case record.RootOIDFile, record.RootSerialFile, record.RootPackedFile:
		return true
	}
	return strings.HasSuffix(name, ".c")
}

// overwriteFile writes content to a sibling temp path and renames it over
// path, the same write-then-rename shape journal's flusher uses to move a
// staged record into A/ atomically.
func overwriteFile(fs fsprim.FS, path string, content []byte) error {
	tmp := path + ".replica-tmp"
	if err := fs.Unlink(tmp); err != nil && !errors.Is(err, fsprim.ErrFileDoesNotExist) {
		return err
	}
	if err := fs.WriteFile(tmp, content); err != nil {
		return err
	}
	return fs.Overwrite(tmp, path)
}

func readCurrentSerial(dir string, fs fsprim.FS, scheme pathmunge.Scheme) (record.TID, error) {
	data, err := fs.ReadFile(aPath(dir, scheme, record.RootSerialFile))
	if err != nil {
		return record.TID{}, fmt.Errorf("replica: read %s: %w", record.RootSerialFile, err)
	}
	var tid record.TID
	copy(tid[:], data)
	return tid, nil
}

func aPath(dir string, scheme pathmunge.Scheme, name string) string {
	return dir + "/A/" + scheme.Munge(name)
}

// CheckIdentity compares the identity recorded at dir's creation against
// expected, refusing to replicate between two unrelated stores that merely
// happen to share a directory layout.
func CheckIdentity(dir, expected string) error {
	got, err := dsconfig.ReadIdentity(dir)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("replica: identity mismatch: store has %q, request was for %q", got, expected)
	}
	return nil
}
