// Package sbp describes how a logical tensor is laid out over a set of devices.
//
// Along each axis of a device hierarchy, a tensor is either split along one of its own axes (Split),
// replicated (Broadcast), or held as an addend whose sum over devices is the logical value (PartialSum).
// An NdSbp holds one such Sbp per hierarchy axis, and a Placed pairs an NdSbp with the Placement it
// applies to.
//
// NdSbp, Placement and Placed values are interned: constructing two equal values returns the same pointer,
// so equality checks and map lookups on hot paths are pointer comparisons.
package sbp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/globaltensor/types/errs"
)

// Kind of distribution along one hierarchy axis.
type Kind uint8

const (
	InvalidKind Kind = iota
	SplitKind
	BroadcastKind
	PartialSumKind
)

// Sbp is the distribution along one hierarchy axis. The zero value is invalid.
//
// Sbp is comparable and can be used as a map key.
type Sbp struct {
	kind Kind
	axis int
}

// Split returns the distribution that partitions the tensor along the given tensor axis.
func Split(axis int) Sbp {
	return Sbp{kind: SplitKind, axis: axis}
}

// Broadcast returns the replicated distribution.
func Broadcast() Sbp {
	return Sbp{kind: BroadcastKind}
}

// PartialSum returns the distribution where the logical value is the element-wise sum of all addends.
func PartialSum() Sbp {
	return Sbp{kind: PartialSumKind}
}

// Kind of the distribution.
func (s Sbp) Kind() Kind { return s.kind }

// IsSplit reports whether s is Split(axis) for some axis.
func (s Sbp) IsSplit() bool { return s.kind == SplitKind }

// IsBroadcast reports whether s is Broadcast.
func (s Sbp) IsBroadcast() bool { return s.kind == BroadcastKind }

// IsPartialSum reports whether s is PartialSum.
func (s Sbp) IsPartialSum() bool { return s.kind == PartialSumKind }

// IsValid reports whether s is one of the three kinds, with a non-negative axis if split.
func (s Sbp) IsValid() bool {
	switch s.kind {
	case SplitKind:
		return s.axis >= 0
	case BroadcastKind, PartialSumKind:
		return true
	default:
		return false
	}
}

// Axis returns the split axis. It is only meaningful if IsSplit.
func (s Sbp) Axis() int { return s.axis }

// String implements fmt.Stringer: "S(0)", "B" or "P".
func (s Sbp) String() string {
	switch s.kind {
	case SplitKind:
		return fmt.Sprintf("S(%d)", s.axis)
	case BroadcastKind:
		return "B"
	case PartialSumKind:
		return "P"
	default:
		return "Invalid"
	}
}

// ParseSbp parses the text form produced by Sbp.String.
func ParseSbp(text string) (Sbp, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "B":
		return Broadcast(), nil
	case text == "P":
		return PartialSum(), nil
	case strings.HasPrefix(text, "S(") && strings.HasSuffix(text, ")"):
		axis, err := strconv.Atoi(strings.TrimSpace(text[2 : len(text)-1]))
		if err != nil || axis < 0 {
			return Sbp{}, errs.Errorf(errs.InvalidArgument, "invalid split axis in sbp %q", text)
		}
		return Split(axis), nil
	}
	return Sbp{}, errs.Errorf(errs.InvalidArgument, "invalid sbp %q, expected \"S(<axis>)\", \"B\" or \"P\"", text)
}
