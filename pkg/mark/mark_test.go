package mark

import (
	"path/filepath"
	"testing"
)

func contexts(t *testing.T) map[string]Context {
	dir := t.TempDir()
	fileCtx, err := NewFileContext(filepath.Join(dir, "filemarks"))
	if err != nil {
		t.Fatal(err)
	}
	boltCtx, err := NewBoltContext(filepath.Join(dir, "marks.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Context{
		"memory": NewMemoryContext(),
		"file":   fileCtx,
		"bolt":   boltCtx,
	}
}

func TestMarkUnmarkIsMarked(t *testing.T) {
	for name, ctx := range contexts(t) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Close()
			marked, err := ctx.IsMarked("o0000000000000001.0000000000000001")
			if err != nil || marked {
				t.Fatalf("expected unmarked initially, got %v err %v", marked, err)
			}
			if err := ctx.Mark("o0000000000000001.0000000000000001"); err != nil {
				t.Fatal(err)
			}
			marked, err = ctx.IsMarked("o0000000000000001.0000000000000001")
			if err != nil || !marked {
				t.Fatalf("expected marked, got %v err %v", marked, err)
			}
			if err := ctx.Unmark("o0000000000000001.0000000000000001"); err != nil {
				t.Fatal(err)
			}
			marked, _ = ctx.IsMarked("o0000000000000001.0000000000000001")
			if marked {
				t.Fatal("expected unmarked after Unmark")
			}
		})
	}
}

func TestUnmarkAll(t *testing.T) {
	for name, ctx := range contexts(t) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Close()
			names := []string{"a", "b", "c"}
			for _, n := range names {
				if err := ctx.Mark(n); err != nil {
					t.Fatal(err)
				}
			}
			if err := ctx.UnmarkAll(); err != nil {
				t.Fatal(err)
			}
			for _, n := range names {
				marked, _ := ctx.IsMarked(n)
				if marked {
					t.Errorf("%s still marked after UnmarkAll", n)
				}
			}
		})
	}
}
