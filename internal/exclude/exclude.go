// Package exclude parses and evaluates the inclusion/exclusion rule files
// that the Backup Engine consults while walking a source tree: one rule per
// line, a leading prefix selecting the rule kind, the rest of the line its
// pattern.
//
// Grounded on the teacher's own pattern-matching idiom
// (internal/ingester/tail/discovery.go: doublestar glob matching over
// absolute, working-directory-normalized paths) — reused here for the
// supplemental "g/" glob rule kind.
package exclude

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/frostbackup/frost/internal/frosterr"
)

// kind is the closed set of rule prefixes a rule line may carry.
type kind int

const (
	substringKind kind = iota
	regexKind
	invertedRegexKind
	globKind
)

// rule is one parsed line: a prefix-selected kind and its compiled matcher.
type rule struct {
	kind    kind
	literal string
	re      *regexp.Regexp
}

func (r rule) matches(path string) bool {
	switch r.kind {
	case substringKind:
		return strings.Contains(path, r.literal)
	case regexKind:
		return r.re.MatchString(path)
	case invertedRegexKind:
		return !r.re.MatchString(path)
	case globKind:
		ok, _ := doublestar.Match(r.literal, path)
		return ok
	default:
		return false
	}
}

func parseRule(line string) (rule, error) {
	switch {
	case strings.HasPrefix(line, "r/"):
		pattern := line[2:]
		re, err := regexp.Compile(pattern)
		if err != nil {
			return rule{}, frosterr.Wrap(frosterr.BadFormat, "exclude.parseRule", pattern, err)
		}
		return rule{kind: regexKind, re: re}, nil
	case strings.HasPrefix(line, "R/"):
		pattern := line[2:]
		re, err := regexp.Compile(pattern)
		if err != nil {
			return rule{}, frosterr.Wrap(frosterr.BadFormat, "exclude.parseRule", pattern, err)
		}
		return rule{kind: invertedRegexKind, re: re}, nil
	case strings.HasPrefix(line, "g/"):
		pattern := line[2:]
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return rule{}, frosterr.Wrap(frosterr.BadFormat, "exclude.parseRule", pattern, err)
		}
		return rule{kind: globKind, literal: pattern}, nil
	default:
		return rule{kind: substringKind, literal: line}, nil
	}
}

// Set is a parsed exclusion/inclusion rule file pair. A path is excluded if
// it matches any exclusion rule and is not overridden by a matching
// inclusion rule (spec.md §4.7: "Inclusion rules override exclusion on
// match").
type Set struct {
	exclusions []rule
	inclusions []rule
}

// parseRules reads one rule per non-blank, non-comment line from r.
// Lines beginning with "#" are treated as comments, matching the teacher's
// plain config-file convention.
func parseRules(r io.Reader) ([]rule, error) {
	var rules []rule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parsed, err := parseRule(line)
		if err != nil {
			return nil, frosterr.Wrap(frosterr.BadFormat, "exclude.parseRules", fmt.Sprintf("line %d", lineNo), err)
		}
		rules = append(rules, parsed)
	}
	if err := scanner.Err(); err != nil {
		return nil, frosterr.Wrap(frosterr.IO, "exclude.parseRules", "", err)
	}
	return rules, nil
}

// NewFromReaders parses both rule files in one step; either reader may be
// nil to mean "no rules of that kind".
func NewFromReaders(exclusions, inclusions io.Reader) (*Set, error) {
	var exRules, inRules []rule
	var err error
	if exclusions != nil {
		exRules, err = parseRules(exclusions)
		if err != nil {
			return nil, err
		}
	}
	if inclusions != nil {
		inRules, err = parseRules(inclusions)
		if err != nil {
			return nil, err
		}
	}
	return &Set{exclusions: exRules, inclusions: inRules}, nil
}

// Excluded reports whether path should be skipped: it matches an exclusion
// rule and no inclusion rule overrides it.
func (s *Set) Excluded(path string) bool {
	if s == nil {
		return false
	}
	excluded := false
	for _, r := range s.exclusions {
		if r.matches(path) {
			excluded = true
			break
		}
	}
	if !excluded {
		return false
	}
	for _, r := range s.inclusions {
		if r.matches(path) {
			return false
		}
	}
	return true
}
