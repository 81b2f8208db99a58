package version

import "fmt"

// Bump returns the version that follows v when an archive is updated with
// the given bump kind and pre-release stage. Either argument may be empty.
//
// Outside a pre-release:
//   - kind only increments that component (major resets minor and patch,
//     minor resets patch).
//   - stage only increments patch and starts the stage at 1.
//   - kind and stage increments the component and starts the stage at 1.
//   - neither returns v unchanged.
//
// Inside a pre-release:
//   - stage only advances the counter for the same stage, restarts at beta 1
//     when moving from alpha to beta, and fails with ErrPrereleaseRegression
//     when moving from beta to alpha.
//   - kind and stage increments the component and restarts the stage at 1.
//   - kind only promotes to a release. A patch promotion of a version whose
//     patch is non-zero, or a minor promotion of a version whose patch is
//     zero, keeps the numbers; any other promotion increments the component.
//   - neither returns v unchanged.
func (v Version) Bump(kind Kind, stage Stage) (Version, error) {
	if !kind.valid() {
		return Version{}, fmt.Errorf("%w %q: must be major, minor, or patch", ErrInvalidBumpKind, kind)
	}
	if !stage.valid() {
		return Version{}, fmt.Errorf("%w %q: must be alpha or beta", ErrInvalidPrereleaseStage, stage)
	}

	if kind == KindNone && stage == StageNone {
		return v, nil
	}

	next := v
	if !v.IsPrerelease() {
		if kind == KindNone {
			next = next.increment(KindPatch)
		} else {
			next = next.increment(kind)
		}
		if stage != StageNone {
			next = next.withStage(stage, 1)
		}
		return next.normalize(), nil
	}

	switch {
	case kind == KindNone:
		switch {
		case stage == v.Stage:
			next.Counter++
		case stage.rank() > v.Stage.rank():
			next = next.withStage(stage, 1)
		default:
			return Version{}, fmt.Errorf("%w: cannot bump %s to %s without a major, minor, or patch bump",
				ErrPrereleaseRegression, v, stage)
		}
	case stage != StageNone:
		next = next.increment(kind).withStage(stage, 1)
	default:
		next = next.withStage(StageNone, 0)
		finalizeInPlace := (kind == KindPatch && v.Patch != 0) ||
			(kind == KindMinor && v.Patch == 0)
		if !finalizeInPlace {
			next = next.increment(kind)
		}
	}
	return next.normalize(), nil
}

// BumpString parses s, bumps it and renders the result. Convenient for
// command-line callers that pass kinds and stages as strings.
func BumpString(s, kind, stage string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	k, err := ParseKind(kind)
	if err != nil {
		return "", err
	}
	st, err := ParseStage(stage)
	if err != nil {
		return "", err
	}
	next, err := v.Bump(k, st)
	if err != nil {
		return "", err
	}
	return next.String(), nil
}

func (v Version) increment(kind Kind) Version {
	switch kind {
	case KindMajor:
		v.Major++
		v.Minor = 0
		v.Patch = 0
	case KindMinor:
		v.Minor++
		v.Patch = 0
	case KindPatch:
		v.Patch++
	}
	return v
}

func (v Version) withStage(stage Stage, counter uint64) Version {
	v.Stage = stage
	v.Counter = counter
	return v
}

// normalize makes a computed version print its patch exactly when it is
// non-zero, matching what Parse produces for the printed form.
func (v Version) normalize() Version {
	v.explicitPatch = v.Patch != 0
	return v
}
