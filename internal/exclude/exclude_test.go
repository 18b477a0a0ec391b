package exclude

import (
	"strings"
	"testing"
)

func TestSubstringRule(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader("node_modules\n.git\n"), nil)
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	cases := map[string]bool{
		"/src/node_modules/foo.js": true,
		"/src/.git/HEAD":           true,
		"/src/main.go":             false,
	}
	for path, want := range cases {
		if got := s.Excluded(path); got != want {
			t.Errorf("Excluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRegexRule(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader(`r/\.tmp$`+"\n"), nil)
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	if !s.Excluded("/data/cache.tmp") {
		t.Error("expected .tmp file to be excluded")
	}
	if s.Excluded("/data/cache.tmp.bak") {
		t.Error("did not expect .tmp.bak to match $-anchored regex")
	}
}

func TestInvertedRegexRule(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader(`R/\.go$`+"\n"), nil)
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	if s.Excluded("/src/main.go") {
		t.Error("did not expect a .go file to be excluded by an inverted regex on .go")
	}
	if !s.Excluded("/src/main.py") {
		t.Error("expected a non-.go file to be excluded by the inverted regex")
	}
}

func TestGlobRule(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader("g/**/*.log\n"), nil)
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	if !s.Excluded("var/log/app/today.log") {
		t.Error("expected nested .log file to match glob")
	}
	if s.Excluded("var/log/app/today.txt") {
		t.Error("did not expect .txt file to match glob")
	}
}

func TestInclusionOverridesExclusion(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader("/build\n"), strings.NewReader("/build/keep.txt\n"))
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	if !s.Excluded("/build/other.txt") {
		t.Error("expected /build/other.txt to remain excluded")
	}
	if s.Excluded("/build/keep.txt") {
		t.Error("expected /build/keep.txt to be included despite matching the exclusion rule")
	}
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	s, err := NewFromReaders(strings.NewReader("# comment\n\n  \nfoo\n"), nil)
	if err != nil {
		t.Fatalf("NewFromReaders: %v", err)
	}
	if !s.Excluded("foobar") {
		t.Error("expected 'foo' rule to still apply after comments/blank lines")
	}
}

func TestNilSetExcludesNothing(t *testing.T) {
	var s *Set
	if s.Excluded("anything") {
		t.Error("nil Set should exclude nothing")
	}
}

func TestBadRegexRejected(t *testing.T) {
	if _, err := NewFromReaders(strings.NewReader("r/(unclosed\n"), nil); err == nil {
		t.Fatal("expected bad regex to be rejected")
	}
}
