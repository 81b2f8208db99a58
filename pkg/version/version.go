// Package version implements archive version identifiers: a
// MAJOR.MINOR[.PATCH] release triple with an optional alpha/beta
// pre-release suffix, their total order, and the bump rules that produce
// the next version of an archive.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	// ErrInvalidVersionFormat is returned when a version string does not
	// match MAJOR.MINOR[.PATCH][(a|b)COUNTER].
	ErrInvalidVersionFormat = errors.New("invalid version format")

	// ErrInvalidBumpKind is returned for a bump kind other than major,
	// minor or patch.
	ErrInvalidBumpKind = errors.New("invalid bump kind")

	// ErrInvalidPrereleaseStage is returned for a stage other than alpha
	// or beta.
	ErrInvalidPrereleaseStage = errors.New("invalid prerelease stage")

	// ErrPrereleaseRegression is returned when a beta version is bumped
	// back to alpha without a numeric bump.
	ErrPrereleaseRegression = errors.New("prerelease regression")
)

// Stage is a pre-release stage. The zero value means "no pre-release".
type Stage string

const (
	StageNone  Stage = ""
	StageAlpha Stage = "alpha"
	StageBeta  Stage = "beta"
)

// ParseStage accepts "alpha", "beta", their one-letter forms, or the empty
// string.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return StageNone, nil
	case "alpha", "a":
		return StageAlpha, nil
	case "beta", "b":
		return StageBeta, nil
	}
	return StageNone, fmt.Errorf("%w %q: must be alpha or beta", ErrInvalidPrereleaseStage, s)
}

func (s Stage) rank() int {
	switch s {
	case StageAlpha:
		return 1
	case StageBeta:
		return 2
	}
	return 0
}

func (s Stage) valid() bool {
	return s == StageNone || s == StageAlpha || s == StageBeta
}

func (s Stage) letter() string {
	switch s {
	case StageAlpha:
		return "a"
	case StageBeta:
		return "b"
	}
	return ""
}

// Kind selects which release component a bump increments. The zero value
// means "no numeric bump".
type Kind string

const (
	KindNone  Kind = ""
	KindMajor Kind = "major"
	KindMinor Kind = "minor"
	KindPatch Kind = "patch"
)

// ParseKind accepts "major", "minor", "patch" or the empty string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.valid() {
		return KindNone, fmt.Errorf("%w %q: must be major, minor, or patch", ErrInvalidBumpKind, s)
	}
	return k, nil
}

func (k Kind) valid() bool {
	switch k {
	case KindNone, KindMajor, KindMinor, KindPatch:
		return true
	}
	return false
}

// Version identifies one version of an archive.
//
// Versions are values: Bump returns a new Version and never modifies the
// receiver, so a Version recorded in history can be shared freely.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64

	// Stage and Counter describe the pre-release suffix. Counter is at
	// least 1 whenever Stage is set and is ignored otherwise.
	Stage   Stage
	Counter uint64

	// explicitPatch keeps "1.0.0" and "1.0" distinct in String so that
	// parsing and printing round-trip exactly.
	explicitPatch bool
}

// Initial returns 0.0.0, the version an archive with empty history bumps
// from.
func Initial() Version {
	return Version{}
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsPrerelease reports whether v carries an alpha or beta suffix.
func (v Version) IsPrerelease() bool {
	return v.Stage != StageNone
}

// String renders v in the wire format. The patch component is omitted when
// it is zero, unless it was spelled out in the parsed input.
func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(v.Major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Minor, 10))
	if v.Patch != 0 || v.explicitPatch {
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(v.Patch, 10))
	}
	if v.IsPrerelease() {
		b.WriteString(v.Stage.letter())
		b.WriteString(strconv.FormatUint(v.Counter, 10))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal
// to, or after b. A release sorts after every pre-release of the same
// MAJOR.MINOR.PATCH; alpha sorts before beta; within a stage the counter
// decides.
func Compare(a, b Version) int {
	if c := compareUint(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareUint(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareUint(a.Patch, b.Patch); c != 0 {
		return c
	}
	switch {
	case !a.IsPrerelease() && !b.IsPrerelease():
		return 0
	case !a.IsPrerelease():
		return 1
	case !b.IsPrerelease():
		return -1
	}
	if c := compareUint(uint64(a.Stage.rank()), uint64(b.Stage.rank())); c != 0 {
		return c
	}
	return compareUint(a.Counter, b.Counter)
}

// Compare is shorthand for Compare(v, o).
func (v Version) Compare(o Version) int {
	return Compare(v, o)
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return Compare(v, o) < 0
}

// Equal reports whether v and o denote the same version. "1.0" and "1.0.0"
// are equal.
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// versionSyntax is the participle grammar for the version wire format.
type versionSyntax struct {
	Major      string            `parser:"@Int"`
	Minor      string            `parser:"\".\" @Int"`
	Patch      string            `parser:"( \".\" @Int )?"`
	Prerelease *prereleaseSyntax `parser:"@@?"`
}

type prereleaseSyntax struct {
	Stage   string `parser:"@Stage"`
	Counter string `parser:"@Int"`
}

var versionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Stage", Pattern: `[ab]`},
	{Name: "Dot", Pattern: `\.`},
})

var versionParser = participle.MustBuild[versionSyntax](
	participle.Lexer(versionLexer),
)

// Parse parses a version string of the form MAJOR.MINOR[.PATCH][(a|b)COUNTER].
// Components are decimal integers without leading zeros; the pre-release
// counter starts at 1.
func Parse(s string) (Version, error) {
	syntax, err := versionParser.ParseString("", s)
	if err != nil {
		return Version{}, fmt.Errorf("%w %q: %v", ErrInvalidVersionFormat, s, err)
	}

	var v Version
	if v.Major, err = parseComponent(s, syntax.Major); err != nil {
		return Version{}, err
	}
	if v.Minor, err = parseComponent(s, syntax.Minor); err != nil {
		return Version{}, err
	}
	if syntax.Patch != "" {
		if v.Patch, err = parseComponent(s, syntax.Patch); err != nil {
			return Version{}, err
		}
		v.explicitPatch = true
	}
	if pre := syntax.Prerelease; pre != nil {
		if v.Stage, err = ParseStage(pre.Stage); err != nil {
			return Version{}, fmt.Errorf("%w %q: %v", ErrInvalidVersionFormat, s, err)
		}
		if v.Counter, err = parseComponent(s, pre.Counter); err != nil {
			return Version{}, err
		}
		if v.Counter == 0 {
			return Version{}, fmt.Errorf("%w %q: prerelease counter must be at least 1", ErrInvalidVersionFormat, s)
		}
	}
	return v, nil
}

func parseComponent(input, component string) (uint64, error) {
	if len(component) > 1 && component[0] == '0' {
		return 0, fmt.Errorf("%w %q: leading zero in %q", ErrInvalidVersionFormat, input, component)
	}
	n, err := strconv.ParseUint(component, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidVersionFormat, input, err)
	}
	return n, nil
}
