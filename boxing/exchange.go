package boxing

import (
	"context"

	"github.com/gomlx/globaltensor/ccl"
	"github.com/gomlx/globaltensor/tensor"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
)

// checkEnv verifies the environment belongs to the device owning t.
func checkEnv(env *Env, t *tensor.Global) error {
	if env == nil || env.Comm == nil || env.Stream == nil {
		return errs.New(errs.InvalidArgument, "boxing requires a communicator and a stream")
	}
	if env.Comm.Device() != t.Device() {
		return errs.Errorf(errs.InvalidArgument, "tensor of device %s boxed with the communicator of %s",
			t.Device(), env.Comm.Device())
	}
	return nil
}

// checkRuntime verifies that t is actually distributed as declared by in.
func checkRuntime(t *tensor.Global, in *sbp.Placed) error {
	if t.NdSbp() != in.NdSbp() {
		return errs.Errorf(errs.RuntimeMismatch, "the sbp of input tensor (%s) must match the input sbp (%s)",
			t.NdSbp(), in.NdSbp())
	}
	if t.Placement() != in.Placement() {
		return errs.Errorf(errs.RuntimeMismatch, "the placement of input tensor (%s) must match the input placement (%s)",
			t.Placement(), in.Placement())
	}
	return nil
}

// outgoing is a shard sent to another device.
type outgoing struct {
	to   sbp.Device
	data *tensor.Local
}

// incoming is a shard received from another device.
type incoming struct {
	from  sbp.Device
	shape shapes.Shape
}

// exchange issues the point-to-point transfers of this rank, waits for them and returns the received shards in
// the order of recvs. Sends are issued first, so that pairs of ranks exchanging shards don't wait on each other.
func exchange(ctx context.Context, env *Env, sends []outgoing, recvs []incoming) ([]*tensor.Local, error) {
	for _, send := range sends {
		shape := send.data.Shape()
		if err := ccl.Send(ctx, env.Comm, env.Stream, send.data.Bytes(), shape.Size(), shape.DType,
			env.Comm.GlobalRank(send.to)); err != nil {
			return nil, err
		}
	}
	received := make([]*tensor.Local, len(recvs))
	for i, recv := range recvs {
		received[i] = tensor.Zeros(recv.shape)
		if err := ccl.Recv(ctx, env.Comm, env.Stream, received[i].Bytes(), recv.shape.Size(), recv.shape.DType,
			env.Comm.GlobalRank(recv.from)); err != nil {
			return nil, err
		}
	}
	if err := env.Stream.Sync(ctx); err != nil {
		return nil, err
	}
	return received, nil
}

// piece is a block of the logical tensor at the position given by ranges.
type piece struct {
	ranges []sbp.Range

	// data is set for local pieces; otherwise it is the received shard with index recv.
	data *tensor.Local
	recv int
}

// assemble writes the pieces into a zero tensor of the logical shape.
func assemble(logical shapes.Shape, pieces []piece, received []*tensor.Local) (*tensor.Local, error) {
	full := tensor.Zeros(logical)
	for _, p := range pieces {
		data := p.data
		if data == nil {
			data = received[p.recv]
		}
		if err := full.SetSlice(data, rangesOffsets(p.ranges)); err != nil {
			return nil, errs.Wrapf(errs.RuntimeMismatch, err, "assembling %s", logical)
		}
	}
	return full, nil
}
