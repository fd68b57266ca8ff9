package sbp

import (
	"slices"
	"strings"

	"github.com/gomlx/globaltensor/types/errs"
)

// NdSbp is the distribution of a tensor over a device hierarchy: one Sbp per hierarchy axis.
//
// NdSbp values are interned and immutable: use NewNdSbp to create them, and compare them with ==.
// The predicates below are computed once, when the value is first interned.
type NdSbp struct {
	axes []Sbp
	str  string
	hash uint64

	allBroadcast, hasPartialSum, hasSplit bool
}

var ndSbpTable = newInternTable(func(a, b *NdSbp) bool {
	return slices.Equal(a.axes, b.axes)
})

// NewNdSbp returns the interned NdSbp with the given per hierarchy axis distributions.
//
// It returns an InvalidArgument error if no axis is given or if any of them is invalid.
func NewNdSbp(axes ...Sbp) (*NdSbp, error) {
	if len(axes) == 0 {
		return nil, errs.New(errs.InvalidArgument, "NdSbp requires at least one hierarchy axis")
	}
	nd := &NdSbp{axes: slices.Clone(axes), allBroadcast: true}
	parts := make([]string, len(axes))
	for i, s := range axes {
		if !s.IsValid() {
			return nil, errs.Errorf(errs.InvalidArgument, "invalid sbp %s for hierarchy axis #%d", s, i)
		}
		parts[i] = s.String()
		nd.allBroadcast = nd.allBroadcast && s.IsBroadcast()
		nd.hasPartialSum = nd.hasPartialSum || s.IsPartialSum()
		nd.hasSplit = nd.hasSplit || s.IsSplit()
	}
	nd.str = "(" + strings.Join(parts, ", ") + ")"
	nd.hash = hashKey(nd.str)
	return ndSbpTable.intern(nd.hash, nd), nil
}

// ParseNdSbp parses "(S(0), B)" or a single "S(0)" into an interned NdSbp.
func ParseNdSbp(text string) (*NdSbp, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		text = text[1 : len(text)-1]
	}
	var axes []Sbp
	for _, part := range splitTopLevel(text) {
		s, err := ParseSbp(part)
		if err != nil {
			return nil, err
		}
		axes = append(axes, s)
	}
	return NewNdSbp(axes...)
}

// splitTopLevel splits on commas that are not inside parentheses.
func splitTopLevel(text string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range text {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, text[start:i])
				start = i + 1
			}
		}
	}
	if strings.TrimSpace(text[start:]) != "" || len(parts) > 0 {
		parts = append(parts, text[start:])
	}
	return parts
}

// Len is the number of hierarchy axes.
func (nd *NdSbp) Len() int { return len(nd.axes) }

// At returns the distribution along hierarchy axis i.
func (nd *NdSbp) At(i int) Sbp { return nd.axes[i] }

// Axes returns a copy of the per hierarchy axis distributions.
func (nd *NdSbp) Axes() []Sbp { return slices.Clone(nd.axes) }

// Equal compares contents. Interned values are equal iff they are the same pointer.
func (nd *NdSbp) Equal(other *NdSbp) bool {
	if nd == other {
		return true
	}
	if nd == nil || other == nil {
		return false
	}
	return slices.Equal(nd.axes, other.axes)
}

// Hash returns a murmur3 hash of the canonical text form.
func (nd *NdSbp) Hash() uint64 { return nd.hash }

// String implements fmt.Stringer.
func (nd *NdSbp) String() string {
	if nd == nil {
		return "(nil)"
	}
	return nd.str
}

// AllBroadcast reports whether every hierarchy axis is Broadcast.
func (nd *NdSbp) AllBroadcast() bool { return nd.allBroadcast }

// HasPartialSum reports whether any hierarchy axis is PartialSum.
func (nd *NdSbp) HasPartialSum() bool { return nd.hasPartialSum }

// HasSplit reports whether any hierarchy axis is a Split.
func (nd *NdSbp) HasSplit() bool { return nd.hasSplit }

// SplitAxes returns, for each hierarchy axis, the tensor axis it splits, or -1.
func (nd *NdSbp) SplitAxes() []int {
	axes := make([]int, len(nd.axes))
	for i, s := range nd.axes {
		axes[i] = -1
		if s.IsSplit() {
			axes[i] = s.Axis()
		}
	}
	return axes
}
