package dsconfig

import (
	"path/filepath"
	"testing"
)

func TestCreateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Default()
	s.Format = "lawn"
	s.KeepClass["Widget"] = KeepPolicy{Forever: true}
	s.KeepClass["Gadget"] = KeepPolicy{ExtraDays: 30}

	if err := Create(dir, s); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"A", "B", "journal", "misc", "config"} {
		if _, err := filepath.Abs(filepath.Join(dir, sub)); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := Load(filepath.Join(dir, "config", "settings"))
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Format != "lawn" {
		t.Errorf("format = %q", loaded.Format)
	}
	if !loaded.KeepClass["Widget"].Forever {
		t.Errorf("Widget keep policy lost: %+v", loaded.KeepClass["Widget"])
	}
	if loaded.KeepClass["Gadget"].ExtraDays != 30 {
		t.Errorf("Gadget keep policy lost: %+v", loaded.KeepClass["Gadget"])
	}

	id, err := ReadIdentity(dir)
	if err != nil || len(id) != 32 {
		t.Errorf("identity = %q, err %v", id, err)
	}
}

func TestGenerateIdentityUnique(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two identities collided")
	}
}
