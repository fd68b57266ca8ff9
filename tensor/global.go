package tensor

import (
	"fmt"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Global is the handle, on one rank, of a distributed tensor.
//
// It is immutable: converting it to another placed distribution creates a new handle with WithShard.
type Global struct {
	logical shapes.Shape
	placed  *sbp.Placed
	device  sbp.Device

	// parallelId of device in the placement, or -1 if the device doesn't take part in it.
	parallelId int
	shard      *Local
}

// NewGlobal creates the handle of a distributed tensor on the given device.
//
// If the device is in the placement, shard must hold its physical shard, with the shape given by
// sbp.PhysicalShape. Otherwise, shard must be nil.
func NewGlobal(logical shapes.Shape, placed *sbp.Placed, device sbp.Device, shard *Local) (*Global, error) {
	if placed == nil {
		return nil, errs.New(errs.InvalidArgument, "global tensor requires a placed distribution")
	}
	if !logical.Ok() {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid logical shape %s", logical)
	}
	if err := sbp.CheckSplittable(placed.NdSbp(), logical.Rank()); err != nil {
		return nil, err
	}
	g := &Global{logical: logical.Clone(), placed: placed, device: device, parallelId: -1}
	pid, found := placed.Placement().ParallelId(device)
	if !found {
		if shard != nil {
			return nil, errs.Errorf(errs.InvalidArgument, "device %s is not in %s but a shard was given", device, placed.Placement())
		}
		return g, nil
	}
	if shard == nil {
		return nil, errs.Errorf(errs.InvalidArgument, "device %s is in %s but no shard was given", device, placed.Placement())
	}
	physical, err := sbp.PhysicalShape(logical, placed, pid)
	if err != nil {
		return nil, err
	}
	if !shard.shape.Equal(physical) {
		return nil, errs.Errorf(errs.InvalidArgument, "shard of parallel id %d of %s with distribution %s must have shape %s, got %s",
			pid, logical, placed, physical, shard.shape)
	}
	g.parallelId = pid
	g.shard = shard
	return g, nil
}

// Shape returns the logical shape.
func (g *Global) Shape() shapes.Shape { return g.logical.Clone() }

// DType of the tensor.
func (g *Global) DType() dtypes.DType { return g.logical.DType }

// Placed returns the placed distribution.
func (g *Global) Placed() *sbp.Placed { return g.placed }

// NdSbp returns the distribution.
func (g *Global) NdSbp() *sbp.NdSbp { return g.placed.NdSbp() }

// Placement of the tensor.
func (g *Global) Placement() *sbp.Placement { return g.placed.Placement() }

// Device returns the device (rank) owning this handle.
func (g *Global) Device() sbp.Device { return g.device }

// ParallelId returns the parallel id of the device in the placement, and false if the device is not part of it.
func (g *Global) ParallelId() (int, bool) { return g.parallelId, g.parallelId >= 0 }

// Shard returns the physical shard held by the device, and false if the device is not in the placement.
func (g *Global) Shard() (*Local, bool) { return g.shard, g.shard != nil }

// WithShard returns a new handle for the same device with another placed distribution and shard.
// No data is moved.
func (g *Global) WithShard(placed *sbp.Placed, shard *Local) (*Global, error) {
	return NewGlobal(g.logical, placed, g.device, shard)
}

// Equal returns whether both handles have the same logical shape, placed distribution, device and shard contents.
func (g *Global) Equal(other *Global) bool {
	return g.logical.Equal(other.logical) && g.placed == other.placed && g.device == other.device &&
		g.shard.Equal(other.shard)
}

// String implements fmt.Stringer.
func (g *Global) String() string {
	return fmt.Sprintf("Global%s@%s on %s", g.logical, g.placed, g.device)
}

// partialSumOwner returns whether the parallel id keeps the value along every PartialSum hierarchy axis:
// its coordinate is 0 along all of them.
func partialSumOwner(placed *sbp.Placed, parallelId int) bool {
	coords := placed.Placement().Coordinates(parallelId)
	for i, s := range placed.NdSbp().Axes() {
		if s.IsPartialSum() && coords[i] != 0 {
			return false
		}
	}
	return true
}

// broadcastOwner returns whether the parallel id has coordinate 0 along every Broadcast hierarchy axis.
func broadcastOwner(placed *sbp.Placed, parallelId int) bool {
	coords := placed.Placement().Coordinates(parallelId)
	for i, s := range placed.NdSbp().Axes() {
		if s.IsBroadcast() && coords[i] != 0 {
			return false
		}
	}
	return true
}

// Distribute returns the handle on device of the distributed version of the logical value full.
//
// Split axes take the balanced slice of the device, Broadcast axes replicate, and along PartialSum axes
// the first rank keeps the value and the others hold zeros.
func Distribute(full *Local, placed *sbp.Placed, device sbp.Device) (*Global, error) {
	pid, found := placed.Placement().ParallelId(device)
	if !found {
		return NewGlobal(full.shape, placed, device, nil)
	}
	ranges, err := sbp.ShardRanges(full.shape, placed, pid)
	if err != nil {
		return nil, err
	}
	shard, err := full.Slice(ranges)
	if err != nil {
		return nil, err
	}
	if !partialSumOwner(placed, pid) {
		shard = Zeros(shard.shape)
	}
	return NewGlobal(full.shape, placed, device, shard)
}

// Assemble reconstructs the logical value from the shards of all parallel ids of the placement, indexed by
// parallel id. PartialSum addends are summed.
func Assemble(logical shapes.Shape, placed *sbp.Placed, shards []*Local) (*Local, error) {
	placement := placed.Placement()
	if len(shards) != placement.NumDevices() {
		return nil, errs.Errorf(errs.InvalidArgument, "%s has %d devices, got %d shards", placement, placement.NumDevices(), len(shards))
	}
	full := Zeros(logical)
	sum := placed.NdSbp().HasPartialSum()
	for pid, shard := range shards {
		if sum && !broadcastOwner(placed, pid) {
			// Replica of an addend already accounted for.
			continue
		}
		ranges, err := sbp.ShardRanges(logical, placed, pid)
		if err != nil {
			return nil, err
		}
		offsets := make([]int, len(ranges))
		for axis, r := range ranges {
			offsets[axis] = r.Begin
		}
		if sum {
			block, err := full.Slice(ranges)
			if err != nil {
				return nil, err
			}
			if err := AddInto(block, shard); err != nil {
				return nil, err
			}
			shard = block
		}
		if err := full.SetSlice(shard, offsets); err != nil {
			return nil, err
		}
	}
	return full, nil
}
