package globaltensor

import (
	"fmt"

	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
)

// ValueMeta is the distributed-type metadata of a blob: its logical shape and dtype, the distribution the
// producing operator emits it with, and whether it may be boxed.
//
// It is written once, when its producer is inferred, and is read-only afterwards.
type ValueMeta struct {
	// Shape is the logical shape, never the shape of a shard.
	Shape shapes.Shape

	IsDynamic bool

	// Placed is the distribution "from the producer view".
	Placed *sbp.Placed

	// DisableBoxing marks values that must never be converted to another distribution.
	DisableBoxing bool
}

// SplitAxis returns the tensor axis of the first Split of the producer distribution.
func (vm *ValueMeta) SplitAxis() (int, bool) {
	for _, s := range vm.Placed.NdSbp().Axes() {
		if s.IsSplit() {
			return s.Axis(), true
		}
	}
	return 0, false
}

// String implements fmt.Stringer.
func (vm *ValueMeta) String() string {
	s := fmt.Sprintf("%s %s", vm.Shape, vm.Placed)
	if vm.IsDynamic {
		s += " dynamic"
	}
	if vm.DisableBoxing {
		s += " disable_boxing"
	}
	return s
}
