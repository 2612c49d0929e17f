package model

import "fmt"

// Kind is the type of a node in the test-execution tree.
type Kind string

// Node kinds.
const (
	KindRoot        Kind = "ROOT"
	KindSuite       Kind = "SUITE"
	KindTest        Kind = "TEST"
	KindStep        Kind = "STEP"
	KindBeforeGroup Kind = "BEFORE_GROUP"
	KindAfterGroup  Kind = "AFTER_GROUP"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindRoot, KindSuite, KindTest, KindStep, KindBeforeGroup, KindAfterGroup:
		return k, nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

// IsFixture reports whether the kind is a setup/teardown group.
func (k Kind) IsFixture() bool {
	switch k {
	case KindBeforeGroup, KindAfterGroup:
		return true
	case KindRoot, KindSuite, KindTest, KindStep:
		return false
	default:
		return false
	}
}

// Fingerprinted reports whether nodes of this kind get an engine-generated
// fingerprint for retry detection.
func (k Kind) Fingerprinted() bool {
	switch k {
	case KindTest, KindStep:
		return true
	case KindRoot, KindSuite, KindBeforeGroup, KindAfterGroup:
		return false
	default:
		return false
	}
}
