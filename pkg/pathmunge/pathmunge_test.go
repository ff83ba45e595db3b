package pathmunge

import "testing"

func TestBushyVectors(t *testing.T) {
	s := Bushy{}
	cases := map[string]string{
		"o0123456789abcdef":                  "o0/12/34/56/78/9a/bc/def",
		"o0123456789abcdef.c":                 "o0/12/34/56/78/9a/bc/def/c",
		"o0123456789abcdef.0123456789abcdef":  "o0/12/34/56/78/9a/bc/def/0123456789abcdef",
		"t01234567.89abcdef":                  "t0/12/34/567/89abcdef",
		"x.oid":                               "x/oid",
	}
	for in, want := range cases {
		if got := s.Munge(in); got != want {
			t.Errorf("Bushy.Munge(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChunkyVectors(t *testing.T) {
	s := Chunky{}
	cases := map[string]string{
		"o0123456789abcdef":                 "o012/345/678/9ab/cdef",
		"o0123456789abcdef.c":                "o012/345/678/9ab/cdef.c",
		"o0123456789abcdef.0123456789abcdef": "o012/345/678/9ab/cdef.0123456789abcdef",
		"t01234567.89abcdef":                 "t012/345/67.89abcdef",
		"x.oid":                              "x/oid",
	}
	for in, want := range cases {
		if got := s.Munge(in); got != want {
			t.Errorf("Chunky.Munge(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLawnVectors(t *testing.T) {
	s := Lawn{}
	cases := map[string]string{
		"o0123456789abcdef":                 "o0123456789abcdef",
		"o0123456789abcdef.c":                "o0123456789abcdef/c",
		"o0123456789abcdef.0123456789abcdef": "o0123456789abcdef/0123456789abcdef",
		"t01234567.89abcdef":                 "t01234567/89abcdef",
		"x.oid":                              "x/oid",
	}
	for in, want := range cases {
		if got := s.Munge(in); got != want {
			t.Errorf("Lawn.Munge(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFlatIsIdentity(t *testing.T) {
	s := Flat{}
	for _, in := range []string{"o0123456789abcdef", "o0123456789abcdef.c", "x.oid"} {
		if got := s.Munge(in); got != in {
			t.Errorf("Flat.Munge(%q) = %q, want identity", in, got)
		}
	}
}

func TestResolve(t *testing.T) {
	for _, name := range []string{"flat", "lawn", "bushy", "chunky"} {
		scheme, err := Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", name, err)
		}
		if scheme.Name() != name {
			t.Errorf("Resolve(%q).Name() = %q", name, scheme.Name())
		}
	}
	if _, err := Resolve("bogus"); err == nil {
		t.Error("Resolve(\"bogus\") expected error")
	}
}
