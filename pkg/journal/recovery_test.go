package journal

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/pathmunge"
)

func writeTestTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverUnpacksLegacyReplicaTar(t *testing.T) {
	dir, s := newTestStore(t)
	writeTestTar(t, filepath.Join(dir, "journal", "replica.tar"), map[string]string{
		"x.oid":    "\x00\x00\x00\x00\x00\x00\x00\x01",
		"x.serial": "\x00\x00\x00\x00\x00\x00\x00\x01",
	})

	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		t.Fatal(err)
	}
	j := New(dir, fsprim.New(false), scheme, s, nil)
	if err := j.Recover(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "journal", "replica.tar")); !os.IsNotExist(err) {
		t.Fatalf("expected journal/replica.tar to be gone, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "misc", "replica.previous")); err != nil {
		t.Fatalf("expected misc/replica.previous to exist: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "A", "x.oid"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "\x00\x00\x00\x00\x00\x00\x00\x01" {
		t.Fatalf("unpacked x.oid = %q", got)
	}
}

func TestRecoverRejectsReplicaTarAlongsideStaging(t *testing.T) {
	dir, s := newTestStore(t)
	if err := os.MkdirAll(filepath.Join(dir, "journal", "working_0000000000000001_done"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestTar(t, filepath.Join(dir, "journal", "replica.tar"), map[string]string{"x.oid": "v"})

	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		t.Fatal(err)
	}
	j := New(dir, fsprim.New(false), scheme, s, nil)
	if err := j.Recover(); err == nil {
		t.Fatal("expected an error when replica.tar isn't the sole journal entry")
	}
}

func TestRecoverRejectsReplicaTarWithNonEmptyB(t *testing.T) {
	dir, s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "B", "stray"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeTestTar(t, filepath.Join(dir, "journal", "replica.tar"), map[string]string{"x.oid": "v"})

	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		t.Fatal(err)
	}
	j := New(dir, fsprim.New(false), scheme, s, nil)
	if err := j.Recover(); err == nil {
		t.Fatal("expected an error when B is not empty")
	}
}
