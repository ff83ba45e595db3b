// Package dsconfig parses a store's config/settings INI file and creates
// the initial on-disk layout (directory skeleton, default settings,
// random identity) for a brand new store.
package dsconfig

import (
	"fmt"
	"time"

	"github.com/cuemby/dirstore/pkg/record"
	"gopkg.in/ini.v1"
)

// KeepPolicy overrides pack's default retention for one persistent class
// name, set via a [keepclass] settings entry.
type KeepPolicy struct {
	Forever   bool
	ExtraDays int
}

// Expired reports whether a revision timestamped tid is old enough for pack
// to discard it, given threshold (pack's normal cutoff) and this policy's
// override. A Forever policy never expires. An ExtraDays policy pushes the
// cutoff back by that many days before comparing, so a revision pack would
// normally drop survives until it ages past the extended cutoff too.
func (p KeepPolicy) Expired(threshold, tid record.TID) bool {
	if p.Forever {
		return false
	}
	extended := threshold.Time().Add(-time.Duration(p.ExtraDays) * 24 * time.Hour)
	return tid.Time().Before(extended)
}

// Settings mirrors every key documented in the external interface section:
// structure (path-munger format + storage classname), md5 policy, journal
// flush tuning, storage-level pack/undo tuning, and per-class pack
// overrides.
type Settings struct {
	// [structure]
	Format    string // flat | lawn | bushy | chunky
	ClassName string // Minimal | Full

	// [md5policy]
	CheckObjectMD5      bool
	CheckTransactionMD5 bool
	WriteMD5            bool

	// [journal]
	FlushInterval            time.Duration
	FlushFileThreshold       int
	FlushTransactionThreshold int
	Backlog                  int

	// [storage]
	HistoryTimeout           time.Duration
	DelayDelete              time.Duration
	MinPackTime              time.Duration
	CheckDanglingReferences  bool
	KeepPolicyDefault        string // "detailed" | "undoable" | "minimal"

	// [filesystem]
	MarkBackend string // memory | file | bolt

	// [posix]
	UseDirSync bool

	// [keepclass]
	KeepClass map[string]KeepPolicy
}

// Default returns the settings template mkds writes into a freshly created
// store, mirroring the original tool's shipped defaults.
func Default() *Settings {
	return &Settings{
		Format:                    "bushy",
		ClassName:                 "Full",
		CheckObjectMD5:            true,
		CheckTransactionMD5:       true,
		WriteMD5:                  true,
		FlushInterval:             time.Hour,
		FlushFileThreshold:        2000,
		FlushTransactionThreshold: 200,
		Backlog:                   3,
		HistoryTimeout:            10 * 24 * time.Hour,
		DelayDelete:               864000 * time.Second,
		MinPackTime:               600 * time.Second,
		CheckDanglingReferences:   true,
		KeepPolicyDefault:         "detailed",
		MarkBackend:               "memory",
		UseDirSync:                true,
		KeepClass:                 map[string]KeepPolicy{},
	}
}

// Load parses config/settings at path.
func Load(path string) (*Settings, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("dsconfig: load %s: %w", path, err)
	}
	s := Default()

	structure := f.Section("structure")
	s.Format = structure.Key("format").MustString(s.Format)
	s.ClassName = structure.Key("classname").MustString(s.ClassName)

	md5sec := f.Section("md5policy")
	s.CheckObjectMD5 = md5sec.Key("check_object_md5").MustBool(s.CheckObjectMD5)
	s.CheckTransactionMD5 = md5sec.Key("check_transaction_md5").MustBool(s.CheckTransactionMD5)
	s.WriteMD5 = md5sec.Key("write_md5").MustBool(s.WriteMD5)

	journal := f.Section("journal")
	s.FlushInterval = time.Duration(journal.Key("flush_interval").MustInt(int(s.FlushInterval/time.Second))) * time.Second
	s.FlushFileThreshold = journal.Key("flush_file_threshold").MustInt(s.FlushFileThreshold)
	s.FlushTransactionThreshold = journal.Key("flush_transaction_threshold").MustInt(s.FlushTransactionThreshold)
	s.Backlog = journal.Key("backlog").MustInt(s.Backlog)

	storage := f.Section("storage")
	s.HistoryTimeout = time.Duration(storage.Key("history_timeout").MustInt(int(s.HistoryTimeout/(24*time.Hour)))) * 24 * time.Hour
	s.DelayDelete = time.Duration(storage.Key("delay_delete").MustInt(int(s.DelayDelete/time.Second))) * time.Second
	s.MinPackTime = time.Duration(storage.Key("min_pack_time").MustInt(int(s.MinPackTime/time.Second))) * time.Second
	s.CheckDanglingReferences = storage.Key("check_dangling_references").MustBool(s.CheckDanglingReferences)
	s.KeepPolicyDefault = storage.Key("keep_policy").MustString(s.KeepPolicyDefault)

	filesystem := f.Section("filesystem")
	s.MarkBackend = filesystem.Key("mark").MustString(s.MarkBackend)

	posix := f.Section("posix")
	s.UseDirSync = posix.Key("dirsync").MustBool(s.UseDirSync)

	if f.HasSection("keepclass") {
		for _, key := range f.Section("keepclass").Keys() {
			s.KeepClass[key.Name()] = parseKeepPolicy(key.Value())
		}
	}

	return s, nil
}

func parseKeepPolicy(v string) KeepPolicy {
	if v == "forever" {
		return KeepPolicy{Forever: true}
	}
	var days int
	fmt.Sscanf(v, "extra %d", &days)
	return KeepPolicy{ExtraDays: days}
}

// Save writes s to path in the same layout Load expects.
func Save(path string, s *Settings) error {
	f := ini.Empty()

	structure, _ := f.NewSection("structure")
	structure.NewKey("format", s.Format)
	structure.NewKey("classname", s.ClassName)

	md5sec, _ := f.NewSection("md5policy")
	md5sec.NewKey("check_object_md5", boolStr(s.CheckObjectMD5))
	md5sec.NewKey("check_transaction_md5", boolStr(s.CheckTransactionMD5))
	md5sec.NewKey("write_md5", boolStr(s.WriteMD5))

	journal, _ := f.NewSection("journal")
	journal.NewKey("flush_interval", fmt.Sprint(int(s.FlushInterval/time.Second)))
	journal.NewKey("flush_file_threshold", fmt.Sprint(s.FlushFileThreshold))
	journal.NewKey("flush_transaction_threshold", fmt.Sprint(s.FlushTransactionThreshold))
	journal.NewKey("backlog", fmt.Sprint(s.Backlog))

	storage, _ := f.NewSection("storage")
	storage.NewKey("history_timeout", fmt.Sprint(int(s.HistoryTimeout/(24*time.Hour))))
	storage.NewKey("delay_delete", fmt.Sprint(int(s.DelayDelete/time.Second)))
	storage.NewKey("min_pack_time", fmt.Sprint(int(s.MinPackTime/time.Second)))
	storage.NewKey("check_dangling_references", boolStr(s.CheckDanglingReferences))
	storage.NewKey("keep_policy", s.KeepPolicyDefault)

	filesystem, _ := f.NewSection("filesystem")
	filesystem.NewKey("mark", s.MarkBackend)

	posix, _ := f.NewSection("posix")
	posix.NewKey("dirsync", boolStr(s.UseDirSync))

	if len(s.KeepClass) > 0 {
		keepclass, _ := f.NewSection("keepclass")
		for name, kp := range s.KeepClass {
			if kp.Forever {
				keepclass.NewKey(name, "forever")
			} else {
				keepclass.NewKey(name, fmt.Sprintf("extra %d", kp.ExtraDays))
			}
		}
	}

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("dsconfig: save %s: %w", path, err)
	}
	return nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
