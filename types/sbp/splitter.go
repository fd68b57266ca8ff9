package sbp

import (
	"fmt"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/shapes"
	lru "github.com/hashicorp/golang-lru"
)

// Range is the half-open interval [Begin, End) of indices along one tensor axis.
type Range struct {
	Begin, End int
}

// Size is the number of indices in the range.
func (r Range) Size() int { return r.End - r.Begin }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Begin, r.End) }

// BalancedSplitter partitions total elements into parts contiguous ranges.
//
// The first total%parts ranges get one extra element, so sizes differ by at most one.
type BalancedSplitter struct {
	total, parts int
}

// NewBalancedSplitter returns a splitter of total elements into parts ranges.
func NewBalancedSplitter(total, parts int) (BalancedSplitter, error) {
	if total < 0 || parts <= 0 {
		return BalancedSplitter{}, errs.Errorf(errs.InvalidArgument,
			"cannot split %d elements into %d parts", total, parts)
	}
	return BalancedSplitter{total: total, parts: parts}, nil
}

// At returns the range of part i.
func (b BalancedSplitter) At(i int) Range {
	base, extra := b.total/b.parts, b.total%b.parts
	begin := i*base + min(i, extra)
	size := base
	if i < extra {
		size++
	}
	return Range{Begin: begin, End: begin + size}
}

// Parts is the number of ranges.
func (b BalancedSplitter) Parts() int { return b.parts }

// Even reports whether all parts have the same size.
func (b BalancedSplitter) Even() bool { return b.total%b.parts == 0 }

// CheckSplittable returns an InvalidArgument error if a Split axis of the distribution is out of range for
// a tensor of the given rank.
func CheckSplittable(nd *NdSbp, rank int) error {
	for i, s := range nd.axes {
		if s.IsSplit() && s.Axis() >= rank {
			return errs.Errorf(errs.InvalidArgument,
				"hierarchy axis #%d of %s splits tensor axis %d, but the tensor has rank %d", i, nd, s.Axis(), rank)
		}
	}
	return nil
}

type shardKey struct {
	placed     *Placed
	dimensions string
	parallelId int
}

var shardRangesCache = func() *lru.Cache {
	cache, err := lru.New(4096)
	if err != nil {
		panic(err)
	}
	return cache
}()

// ShardRanges returns, for each axis of the logical shape, the range of indices held by the given parallel id.
//
// Hierarchy axes are applied in order: a Split along hierarchy axis i further partitions the range
// produced by the hierarchy axes before it. Broadcast and PartialSum axes hold the full range.
func ShardRanges(logical shapes.Shape, placed *Placed, parallelId int) ([]Range, error) {
	placement := placed.Placement()
	if parallelId < 0 || parallelId >= placement.NumDevices() {
		return nil, errs.Errorf(errs.InvalidArgument, "parallel id %d out of range for %s", parallelId, placement)
	}
	if err := CheckSplittable(placed.NdSbp(), logical.Rank()); err != nil {
		return nil, err
	}
	key := shardKey{placed: placed, dimensions: fmt.Sprint(logical.Dimensions), parallelId: parallelId}
	if cached, found := shardRangesCache.Get(key); found {
		return append([]Range(nil), cached.([]Range)...), nil
	}

	ranges := make([]Range, logical.Rank())
	for axis, dim := range logical.Dimensions {
		ranges[axis] = Range{Begin: 0, End: dim}
	}
	coords := placement.Coordinates(parallelId)
	hierarchy := placement.hierarchy
	for i, s := range placed.NdSbp().axes {
		if !s.IsSplit() {
			continue
		}
		current := ranges[s.Axis()]
		splitter, err := NewBalancedSplitter(current.Size(), hierarchy[i])
		if err != nil {
			return nil, err
		}
		sub := splitter.At(coords[i])
		ranges[s.Axis()] = Range{Begin: current.Begin + sub.Begin, End: current.Begin + sub.End}
	}
	shardRangesCache.Add(key, append([]Range(nil), ranges...))
	return ranges, nil
}

// PhysicalShape returns the shape of the shard held by the given parallel id.
func PhysicalShape(logical shapes.Shape, placed *Placed, parallelId int) (shapes.Shape, error) {
	ranges, err := ShardRanges(logical, placed, parallelId)
	if err != nil {
		return shapes.Invalid(), err
	}
	physical := logical.Clone()
	for axis, r := range ranges {
		physical.Dimensions[axis] = r.Size()
	}
	return physical, nil
}
