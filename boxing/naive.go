package boxing

import (
	"context"

	"github.com/gomlx/globaltensor/ccl"
	"github.com/gomlx/globaltensor/tensor"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
)

// RegisterDefaults registers the builtin boxing functions, in this order:
//
//   - identity: in == out, no-op.
//   - naive-s-to-p: 1-D Split to 1-D PartialSum, any placements with the same device tag.
//   - naive-s-to-b: 1-D Split to 1-D Broadcast, any placements with the same device tag.
//   - naive-b-to-s, naive-b-to-p, naive-p-to-b, naive-p-to-s: 1-D conversions within the same placement.
func RegisterDefaults(r *Registry) error {
	functions := []struct {
		name    string
		check   Checker
		execute Executor
	}{
		{"identity", checkIdentity, identity},
		{"naive-s-to-p", oneD(sbp.Sbp.IsSplit, sbp.Sbp.IsPartialSum, false), naiveSToP},
		{"naive-s-to-b", oneD(sbp.Sbp.IsSplit, sbp.Sbp.IsBroadcast, false), naiveSToB},
		{"naive-b-to-s", oneD(sbp.Sbp.IsBroadcast, sbp.Sbp.IsSplit, true), naiveBToS},
		{"naive-b-to-p", oneD(sbp.Sbp.IsBroadcast, sbp.Sbp.IsPartialSum, true), naiveBToP},
		{"naive-p-to-b", oneD(sbp.Sbp.IsPartialSum, sbp.Sbp.IsBroadcast, true), naivePToB},
		{"naive-p-to-s", oneD(sbp.Sbp.IsPartialSum, sbp.Sbp.IsSplit, true), naivePToS},
	}
	for _, fn := range functions {
		if err := r.Register(fn.name, fn.check, fn.execute); err != nil {
			return err
		}
	}
	return nil
}

func checkIdentity(in, out *sbp.Placed, _ shapes.Shape) error {
	if in != out {
		return errs.Errorf(errs.PreconditionFailed, "identity requires equal distributions, got %s and %s", in, out)
	}
	return nil
}

func identity(_ context.Context, _ *Env, t *tensor.Global, in, _ *sbp.Placed) (*tensor.Global, error) {
	if err := checkRuntime(t, in); err != nil {
		return nil, err
	}
	return t, nil
}

// oneD returns a checker accepting 1-D input and output distributions matching the given predicates, on
// placements with the same device tag, and optionally the same placement.
func oneD(inKind, outKind func(sbp.Sbp) bool, samePlacement bool) Checker {
	return func(in, out *sbp.Placed, logical shapes.Shape) error {
		if in.NdSbp().Len() != 1 {
			return errs.Errorf(errs.PreconditionFailed, "input distribution %s is not 1-D", in.NdSbp())
		}
		if out.NdSbp().Len() != 1 {
			return errs.Errorf(errs.PreconditionFailed, "output distribution %s is not 1-D", out.NdSbp())
		}
		if !inKind(in.NdSbp().At(0)) {
			return errs.Errorf(errs.PreconditionFailed, "input distribution %s has the wrong kind", in.NdSbp())
		}
		if !outKind(out.NdSbp().At(0)) {
			return errs.Errorf(errs.PreconditionFailed, "output distribution %s has the wrong kind", out.NdSbp())
		}
		if in.Placement().DeviceTag() != out.Placement().DeviceTag() {
			return errs.Errorf(errs.PreconditionFailed, "device tags differ: %q and %q",
				in.Placement().DeviceTag(), out.Placement().DeviceTag())
		}
		if samePlacement && in.Placement() != out.Placement() {
			return errs.Errorf(errs.PreconditionFailed, "placements differ: %s and %s", in.Placement(), out.Placement())
		}
		for _, p := range []*sbp.Placed{in, out} {
			if err := sbp.CheckSplittable(p.NdSbp(), logical.Rank()); err != nil {
				return errs.Wrapf(errs.PreconditionFailed, err, "shape %s", logical)
			}
		}
		return nil
	}
}

// prepare runs the checks common to all executors. It returns the local shard of t, nil if the device is not
// in the input placement.
func prepare(env *Env, t *tensor.Global, in *sbp.Placed) (*tensor.Local, error) {
	if err := checkRuntime(t, in); err != nil {
		return nil, err
	}
	if err := checkEnv(env, t); err != nil {
		return nil, err
	}
	shard, _ := t.Shard()
	return shard, nil
}

func rangesOffsets(ranges []sbp.Range) []int {
	offsets := make([]int, len(ranges))
	for axis, r := range ranges {
		offsets[axis] = r.Begin
	}
	return offsets
}

// naiveSToP sends the shard of input parallel id i to output parallel id i%m (m the output size). Each output
// rank holds a zero tensor of the logical shape with the received shards written at their positions: the
// addends sum to the logical value.
func naiveSToP(ctx context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	me := t.Device()
	inPlacement, outPlacement := in.Placement(), out.Placement()
	_, inMember := inPlacement.ParallelId(me)
	_, outMember := outPlacement.ParallelId(me)
	if !inMember && !outMember {
		return t.WithShard(out, nil)
	}

	logical := t.Shape()
	var sends []outgoing
	var recvs []incoming
	var pieces []piece
	for i := range inPlacement.NumDevices() {
		src, dst := inPlacement.Device(i), outPlacement.Device(i%outPlacement.NumDevices())
		if src != me && dst != me {
			continue
		}
		ranges, err := sbp.ShardRanges(logical, in, i)
		if err != nil {
			return nil, err
		}
		switch {
		case src == me && dst == me:
			pieces = append(pieces, piece{ranges: ranges, data: shard})
		case src == me:
			sends = append(sends, outgoing{to: dst, data: shard})
		default:
			physical, err := sbp.PhysicalShape(logical, in, i)
			if err != nil {
				return nil, err
			}
			pieces = append(pieces, piece{ranges: ranges, recv: len(recvs)})
			recvs = append(recvs, incoming{from: src, shape: physical})
		}
	}
	received, err := exchange(ctx, env, sends, recvs)
	if err != nil {
		return nil, err
	}
	if !outMember {
		return t.WithShard(out, nil)
	}
	addend, err := assemble(logical, pieces, received)
	if err != nil {
		return nil, err
	}
	return t.WithShard(out, addend)
}

// naiveSToB gathers all shards on every output rank. Within the same placement, an axis-0 split that divides
// evenly is a plain AllGather.
func naiveSToB(ctx context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	me := t.Device()
	inPlacement, outPlacement := in.Placement(), out.Placement()
	_, inMember := inPlacement.ParallelId(me)
	_, outMember := outPlacement.ParallelId(me)
	if !inMember && !outMember {
		return t.WithShard(out, nil)
	}
	logical := t.Shape()

	n := inPlacement.NumDevices()
	if inPlacement == outPlacement && in.NdSbp().At(0).Axis() == 0 && logical.Dimensions[0]%n == 0 {
		full := tensor.Zeros(logical)
		if err := ccl.AllGather(ctx, env.Comm, env.Stream, shard.Bytes(), full.Bytes(), shard.Shape().Size(),
			logical.DType, inPlacement); err != nil {
			return nil, err
		}
		if err := env.Stream.Sync(ctx); err != nil {
			return nil, err
		}
		return t.WithShard(out, full)
	}

	var sends []outgoing
	var recvs []incoming
	var pieces []piece
	for i := range n {
		src := inPlacement.Device(i)
		if src == me {
			for _, dst := range outPlacement.Devices() {
				if dst != me {
					sends = append(sends, outgoing{to: dst, data: shard})
				}
			}
		}
		if !outMember {
			continue
		}
		ranges, err := sbp.ShardRanges(logical, in, i)
		if err != nil {
			return nil, err
		}
		if src == me {
			pieces = append(pieces, piece{ranges: ranges, data: shard})
			continue
		}
		physical, err := sbp.PhysicalShape(logical, in, i)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, piece{ranges: ranges, recv: len(recvs)})
		recvs = append(recvs, incoming{from: src, shape: physical})
	}
	received, err := exchange(ctx, env, sends, recvs)
	if err != nil {
		return nil, err
	}
	if !outMember {
		return t.WithShard(out, nil)
	}
	full, err := assemble(logical, pieces, received)
	if err != nil {
		return nil, err
	}
	return t.WithShard(out, full)
}

// naiveBToS keeps the slice of the local replica that belongs to the rank. No data is moved.
func naiveBToS(_ context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	pid, found := t.ParallelId()
	if !found {
		return t.WithShard(out, nil)
	}
	ranges, err := sbp.ShardRanges(t.Shape(), out, pid)
	if err != nil {
		return nil, err
	}
	slice, err := shard.Slice(ranges)
	if err != nil {
		return nil, err
	}
	return t.WithShard(out, slice)
}

// naiveBToP keeps the replica on parallel id 0, and zeros elsewhere.
func naiveBToP(_ context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	pid, found := t.ParallelId()
	if !found {
		return t.WithShard(out, nil)
	}
	if pid == 0 {
		return t.WithShard(out, shard.Clone())
	}
	return t.WithShard(out, tensor.Zeros(shard.Shape()))
}

// naivePToB sums the addends with an AllReduce.
func naivePToB(ctx context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	if _, found := t.ParallelId(); !found {
		return t.WithShard(out, nil)
	}
	sum, err := allReduce(ctx, env, shard, in.Placement())
	if err != nil {
		return nil, err
	}
	return t.WithShard(out, sum)
}

func allReduce(ctx context.Context, env *Env, shard *tensor.Local, placement *sbp.Placement) (*tensor.Local, error) {
	shape := shard.Shape()
	sum := tensor.Zeros(shape)
	if err := ccl.AllReduce(ctx, env.Comm, env.Stream, shard.Bytes(), sum.Bytes(), shape.Size(), shape.DType,
		ccl.Sum, placement); err != nil {
		return nil, err
	}
	if err := env.Stream.Sync(ctx); err != nil {
		return nil, err
	}
	return sum, nil
}

// naivePToS sums the addends and keeps the slice of the rank. An axis-0 split that divides evenly is a
// ReduceScatter, otherwise it is an AllReduce followed by a local slice.
func naivePToS(ctx context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	shard, err := prepare(env, t, in)
	if err != nil {
		return nil, err
	}
	pid, found := t.ParallelId()
	if !found {
		return t.WithShard(out, nil)
	}
	logical := t.Shape()
	placement := in.Placement()
	n := placement.NumDevices()
	if out.NdSbp().At(0).Axis() == 0 && logical.Dimensions[0]%n == 0 {
		physical, err := sbp.PhysicalShape(logical, out, pid)
		if err != nil {
			return nil, err
		}
		result := tensor.Zeros(physical)
		if err := ccl.ReduceScatter(ctx, env.Comm, env.Stream, shard.Bytes(), result.Bytes(), physical.Size(),
			logical.DType, ccl.Sum, placement); err != nil {
			return nil, err
		}
		if err := env.Stream.Sync(ctx); err != nil {
			return nil, err
		}
		return t.WithShard(out, result)
	}
	sum, err := allReduce(ctx, env, shard, placement)
	if err != nil {
		return nil, err
	}
	ranges, err := sbp.ShardRanges(logical, out, pid)
	if err != nil {
		return nil, err
	}
	slice, err := sum.Slice(ranges)
	if err != nil {
		return nil, err
	}
	return t.WithShard(out, slice)
}
