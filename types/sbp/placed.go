package sbp

import (
	"github.com/gomlx/globaltensor/types/errs"
)

// Placed pairs a distribution with the placement it applies to. Placed values are interned.
type Placed struct {
	nd        *NdSbp
	placement *Placement
	hash      uint64
}

var placedTable = newInternTable(func(a, b *Placed) bool {
	return a.nd == b.nd && a.placement == b.placement
})

// NewPlaced returns the interned Placed for the distribution and placement.
//
// It returns an InvalidArgument error if nd doesn't have one entry per hierarchy axis of the placement.
func NewPlaced(nd *NdSbp, placement *Placement) (*Placed, error) {
	if nd == nil || placement == nil {
		return nil, errs.New(errs.InvalidArgument, "NewPlaced requires a distribution and a placement")
	}
	if nd.Len() != placement.HierarchyDepth() {
		return nil, errs.Errorf(errs.InvalidArgument,
			"distribution %s has %d axes, but placement %s has a hierarchy of depth %d",
			nd, nd.Len(), placement, placement.HierarchyDepth())
	}
	p := &Placed{nd: nd, placement: placement}
	p.hash = nd.Hash()*31 + placement.Hash()
	return placedTable.intern(p.hash, p), nil
}

// NdSbp returns the distribution.
func (p *Placed) NdSbp() *NdSbp { return p.nd }

// Placement returns the placement.
func (p *Placed) Placement() *Placement { return p.placement }

// Hash combines the hashes of the distribution and the placement.
func (p *Placed) Hash() uint64 { return p.hash }

// Equal compares contents. Interned values are equal iff they are the same pointer.
func (p *Placed) Equal(other *Placed) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	return p.nd.Equal(other.nd) && p.placement.Equal(other.placement)
}

// String implements fmt.Stringer.
func (p *Placed) String() string {
	if p == nil {
		return "(nil)"
	}
	return p.nd.String() + "@" + p.placement.String()
}
