// Package pathmunge maps a logical record name ("o<OID>.<TID>", "t<TID3>.<TID13>",
// "x.oid", ...) to a relative filesystem path, so that a database directory
// never puts more files in one directory than the host filesystem handles well.
package pathmunge

import (
	"fmt"
	"strings"
)

// Scheme munges a logical record name into a relative path under A/ or B/.
type Scheme interface {
	Munge(name string) string
	Name() string
}

// Resolve looks up a scheme by its settings-file name ("flat", "lawn",
// "bushy", "chunky").
func Resolve(name string) (Scheme, error) {
	switch name {
	case "flat":
		return Flat{}, nil
	case "lawn":
		return Lawn{}, nil
	case "bushy":
		return Bushy{}, nil
	case "chunky":
		return Chunky{}, nil
	default:
		return nil, fmt.Errorf("pathmunge: unknown format %q", name)
	}
}

// Flat stores every record directly in the database root. It is only
// suitable for very small stores.
type Flat struct{}

func (Flat) Name() string { return "flat" }

func (Flat) Munge(name string) string { return name }

// Lawn gives every oid/tid its own directory directly under the database
// root: "o<OID>.<TID>" -> "o<OID>/<TID>".
type Lawn struct{}

func (Lawn) Name() string { return "lawn" }

func (Lawn) Munge(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return name
	}
	return name[:i] + "/" + name[i+1:]
}

// Bushy splits the part of the name before the first dot into 2- or
// 3-character path segments, so each oid gets a deeply nested directory of
// its own. This keeps any one directory to at most a few hundred entries
// even for huge stores, at the cost of many small directories.
type Bushy struct{}

func (Bushy) Name() string { return "bushy" }

func (Bushy) Munge(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		i = len(name)
	}
	tail := name[:i]
	var dir strings.Builder
	for len(tail) > 0 {
		s := 2
		if len(tail) <= 3 {
			s = 3
		}
		if s > len(tail) {
			s = len(tail)
		}
		dir.WriteString(tail[:s])
		dir.WriteByte('/')
		tail = tail[s:]
	}
	out := dir.String()
	if i+1 <= len(name) && name[i+1:] != "" {
		out += name[i+1:]
	} else {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

// Chunky splits into 3- or 4-character segments, trading fewer, larger
// directories for filesystems (e.g. reiserfs3) that handle very many files
// per directory well but prefer fewer subdirectories.
type Chunky struct{}

func (Chunky) Name() string { return "chunky" }

func (Chunky) Munge(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		i = len(name)
	}
	if i < 3 {
		return name[:i] + "/" + name[i+1:]
	}
	tail := name[:i]
	first := true
	var dir strings.Builder
	for len(tail) > 4 {
		s := 3
		if first && (tail[0] == 'o' || tail[0] == 't') {
			s = 4
		}
		dir.WriteString(tail[:s])
		dir.WriteByte('/')
		tail = tail[s:]
		first = false
	}
	return dir.String() + tail + name[i:]
}
