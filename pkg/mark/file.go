package mark

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileContext marks a name by creating a zero-length "<name>.mark" sidecar
// file under dir. Slower than MemoryContext, but it lets an operator
// inspect in-progress marks on disk (e.g. during a pack that's stuck), and
// it survives a process restart mid-pack without losing marks, which the
// in-memory backend cannot.
type FileContext struct {
	dir string
}

func NewFileContext(dir string) (*FileContext, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mark: create mark dir %s: %w", dir, err)
	}
	return &FileContext{dir: dir}, nil
}

func (f *FileContext) markPath(name string) string {
	return filepath.Join(f.dir, name+".mark")
}

func (f *FileContext) Mark(name string) error {
	p := f.markPath(name)
	file, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mark: create %s: %w", p, err)
	}
	return file.Close()
}

func (f *FileContext) Unmark(name string) error {
	if err := os.Remove(f.markPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mark: remove %s: %w", f.markPath(name), err)
	}
	return nil
}

func (f *FileContext) IsMarked(name string) (bool, error) {
	_, err := os.Stat(f.markPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileContext) UnmarkAll() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("mark: read %s: %w", f.dir, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileContext) Close() error { return nil }
