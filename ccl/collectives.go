package ccl

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/globaltensor/stream"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

func (g *group) tag(primitive string) string {
	return fmt.Sprintf("%s/%016x", primitive, g.placement.Hash())
}

func enqueue(s *stream.Stream, primitive string, task stream.Task) error {
	if s == nil {
		return errs.Errorf(errs.InvalidArgument, "%s requires a stream", primitive)
	}
	if err := s.Enqueue(task); err != nil {
		return errs.Wrapf(errs.InvalidState, err, "%s", primitive)
	}
	return nil
}

func logTraffic(primitive string, c *Comm, g *group, numBytes int) {
	if klog.V(2).Enabled() {
		klog.Infof("ccl %s: %s, parallel id %d of %d, %s", primitive, c, g.parallelId, g.size(),
			humanize.Bytes(uint64(numBytes)))
	}
}

// AllReduce reduces count elements of in across all ranks of the placement and writes the result to out
// on every rank.
//
// It is implemented as a reduce-scatter followed by an all-gather over balanced chunks of the buffer.
func AllReduce(ctx context.Context, c *Comm, s *stream.Stream, in, out []byte, count int, dtype dtypes.DType,
	reduceType ReduceType, placement *sbp.Placement) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkReduce(g, dtype, reduceType); err != nil {
		return err
	}
	if err := checkBuffer("input", in, count, dtype); err != nil {
		return err
	}
	if err := checkBuffer("output", out, count, dtype); err != nil {
		return err
	}
	return enqueue(s, "AllReduce", func() error {
		logTraffic("AllReduce", c, g, len(in))
		splitter, err := sbp.NewBalancedSplitter(count, g.size())
		if err != nil {
			return err
		}
		elemSize := int(dtype.Memory())
		chunk := func(buf []byte, i int) []byte {
			r := splitter.At(i)
			return buf[r.Begin*elemSize : r.End*elemSize]
		}
		reduced, err := c.reduceChunks(ctx, g, g.tag("all_reduce.scatter"), dtype, true,
			func(i int) []byte { return chunk(in, i) })
		if err != nil {
			return err
		}
		return c.gatherChunks(ctx, g, g.tag("all_reduce.gather"), reduced,
			func(i int) []byte { return chunk(out, i) })
	})
}

// ReduceScatter reduces in (count*n elements, n the number of ranks) across the ranks, and writes to out the
// count elements of the reduced chunk of each rank's parallel id.
func ReduceScatter(ctx context.Context, c *Comm, s *stream.Stream, in, out []byte, count int, dtype dtypes.DType,
	reduceType ReduceType, placement *sbp.Placement) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkReduce(g, dtype, reduceType); err != nil {
		return err
	}
	if err := checkBuffer("input", in, count*g.size(), dtype); err != nil {
		return err
	}
	if err := checkBuffer("output", out, count, dtype); err != nil {
		return err
	}
	return enqueue(s, "ReduceScatter", func() error {
		logTraffic("ReduceScatter", c, g, len(in))
		chunkBytes := count * int(dtype.Memory())
		reduced, err := c.reduceChunks(ctx, g, g.tag("reduce_scatter"), dtype, true,
			func(i int) []byte { return in[i*chunkBytes : (i+1)*chunkBytes] })
		if err != nil {
			return err
		}
		copy(out, reduced)
		return nil
	})
}

// AllGather concatenates the count elements of in of every rank, in parallel id order, into out
// (count*n elements) on every rank.
func AllGather(ctx context.Context, c *Comm, s *stream.Stream, in, out []byte, count int, dtype dtypes.DType,
	placement *sbp.Placement) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkBuffer("input", in, count, dtype); err != nil {
		return err
	}
	if err := checkBuffer("output", out, count*g.size(), dtype); err != nil {
		return err
	}
	return enqueue(s, "AllGather", func() error {
		logTraffic("AllGather", c, g, len(in))
		chunkBytes := count * int(dtype.Memory())
		return c.gatherChunks(ctx, g, g.tag("all_gather"), in,
			func(i int) []byte { return out[i*chunkBytes : (i+1)*chunkBytes] })
	})
}

// Broadcast copies the count elements of in on the root (a parallel id of the placement) to out on every rank.
// in is only read on the root.
func Broadcast(ctx context.Context, c *Comm, s *stream.Stream, in, out []byte, count int, dtype dtypes.DType,
	root int, placement *sbp.Placement) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkRoot(g, root); err != nil {
		return err
	}
	if g.parallelId == root {
		if err := checkBuffer("input", in, count, dtype); err != nil {
			return err
		}
	}
	if err := checkBuffer("output", out, count, dtype); err != nil {
		return err
	}
	return enqueue(s, "Broadcast", func() error {
		logTraffic("Broadcast", c, g, len(out))
		return c.broadcast(ctx, g, g.tag("broadcast"), in, out, root)
	})
}

// Reduce reduces count elements of in across the ranks of the placement into out on the root (a parallel id).
// out is only written on the root.
func Reduce(ctx context.Context, c *Comm, s *stream.Stream, in, out []byte, count int, dtype dtypes.DType,
	reduceType ReduceType, root int, placement *sbp.Placement) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkReduce(g, dtype, reduceType); err != nil {
		return err
	}
	if err := checkRoot(g, root); err != nil {
		return err
	}
	if err := checkBuffer("input", in, count, dtype); err != nil {
		return err
	}
	if g.parallelId == root {
		if err := checkBuffer("output", out, count, dtype); err != nil {
			return err
		}
	}
	return enqueue(s, "Reduce", func() error {
		logTraffic("Reduce", c, g, len(in))
		tag := g.tag("reduce")
		if g.parallelId != root {
			return c.send(ctx, g.ranks[root], tag, in)
		}
		reduced, err := c.reduceChunks(ctx, g, tag, dtype, false, func(int) []byte { return in })
		if err != nil {
			return err
		}
		copy(out, reduced)
		return nil
	})
}

// Send sends count elements of in to the rank with global rank dst. It must be paired with a Recv on dst.
func Send(ctx context.Context, c *Comm, s *stream.Stream, in []byte, count int, dtype dtypes.DType, dst int) error {
	if err := checkBuffer("input", in, count, dtype); err != nil {
		return err
	}
	if dst < 0 {
		return errs.Errorf(errs.InvalidArgument, "invalid destination rank %d", dst)
	}
	return enqueue(s, "Send", func() error {
		klog.V(2).Infof("ccl Send: %s -> rank %d, %s", c, dst, humanize.Bytes(uint64(len(in))))
		return c.send(ctx, dst, "p2p", in)
	})
}

// Recv receives count elements from the rank with global rank src into out. It must be paired with a Send on src.
func Recv(ctx context.Context, c *Comm, s *stream.Stream, out []byte, count int, dtype dtypes.DType, src int) error {
	if err := checkBuffer("output", out, count, dtype); err != nil {
		return err
	}
	if src < 0 {
		return errs.Errorf(errs.InvalidArgument, "invalid source rank %d", src)
	}
	return enqueue(s, "Recv", func() error {
		klog.V(2).Infof("ccl Recv: %s <- rank %d, %s", c, src, humanize.Bytes(uint64(len(out))))
		return c.recvInto(ctx, src, "p2p", out)
	})
}

// CpuBroadcast copies the buffer of the root (a parallel id) to out on every rank of the placement. in is only
// read on the root, and out must have the same size on every rank.
//
// It runs synchronously in host memory, without a stream. Messages are matched by the correlation token,
// which all ranks must agree on.
func CpuBroadcast(ctx context.Context, c *Comm, in, out []byte, root int, placement *sbp.Placement, token uuid.UUID) error {
	g, err := c.groupOf(placement)
	if err != nil {
		return err
	}
	if err := checkRoot(g, root); err != nil {
		return err
	}
	if g.parallelId == root && len(in) != len(out) {
		return errs.Errorf(errs.InvalidArgument, "CpuBroadcast root buffers differ in size: %d and %d bytes", len(in), len(out))
	}
	klog.V(2).Infof("ccl CpuBroadcast %s: %s, root %d, %s", token, c, root, humanize.Bytes(uint64(len(out))))
	return c.broadcast(ctx, g, "cpu_broadcast/"+token.String(), in, out, root)
}

func (c *Comm) send(ctx context.Context, dst int, tag string, payload []byte) error {
	if err := c.transport.Send(ctx, c.Rank(), dst, tag, payload); err != nil {
		return errs.Wrapf(errs.TransportFailure, err, "%s sending to rank %d", c, dst)
	}
	return nil
}

func (c *Comm) recv(ctx context.Context, src int, tag string) ([]byte, error) {
	payload, err := c.transport.Recv(ctx, c.Rank(), src, tag)
	if err != nil {
		return nil, errs.Wrapf(errs.TransportFailure, err, "%s receiving from rank %d", c, src)
	}
	return payload, nil
}

func (c *Comm) recvInto(ctx context.Context, src int, tag string, out []byte) error {
	payload, err := c.recv(ctx, src, tag)
	if err != nil {
		return err
	}
	if len(payload) != len(out) {
		return errs.Errorf(errs.RuntimeMismatch, "%s expected %d bytes from rank %d, got %d", c, len(out), src, len(payload))
	}
	copy(out, payload)
	return nil
}

// reduceChunks returns the sum, in parallel id order, of the chunk of this rank's parallel id received from
// every peer. If scatter is set, it first sends chunkOf(i) to every peer i.
func (c *Comm) reduceChunks(ctx context.Context, g *group, tag string, dtype dtypes.DType, scatter bool,
	chunkOf func(i int) []byte) ([]byte, error) {
	for i, rank := range g.ranks {
		if i == g.parallelId || !scatter {
			continue
		}
		if err := c.send(ctx, rank, tag, chunkOf(i)); err != nil {
			return nil, err
		}
	}
	mine := chunkOf(g.parallelId)
	reduced := make([]byte, len(mine))
	for i, rank := range g.ranks {
		addend := mine
		if i != g.parallelId {
			var err error
			if addend, err = c.recv(ctx, rank, tag); err != nil {
				return nil, err
			}
			if len(addend) != len(reduced) {
				return nil, errs.Errorf(errs.RuntimeMismatch, "%s expected %d bytes from rank %d, got %d",
					c, len(reduced), rank, len(addend))
			}
		}
		if err := g.backend.Accumulate(dtype, reduced, addend); err != nil {
			return nil, err
		}
	}
	return reduced, nil
}

// gatherChunks sends mine to every peer and copies the chunk of each parallel id i into dstOf(i).
func (c *Comm) gatherChunks(ctx context.Context, g *group, tag string, mine []byte, dstOf func(i int) []byte) error {
	for i, rank := range g.ranks {
		if i == g.parallelId {
			continue
		}
		if err := c.send(ctx, rank, tag, mine); err != nil {
			return err
		}
	}
	for i, rank := range g.ranks {
		if i == g.parallelId {
			if len(mine) != len(dstOf(i)) {
				return errs.Errorf(errs.RuntimeMismatch, "%s chunk has %d bytes, expected %d", c, len(mine), len(dstOf(i)))
			}
			copy(dstOf(i), mine)
			continue
		}
		if err := c.recvInto(ctx, rank, tag, dstOf(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comm) broadcast(ctx context.Context, g *group, tag string, in, out []byte, root int) error {
	if g.parallelId != root {
		return c.recvInto(ctx, g.ranks[root], tag, out)
	}
	for i, rank := range g.ranks {
		if i == root {
			continue
		}
		if err := c.send(ctx, rank, tag, in); err != nil {
			return err
		}
	}
	copy(out, in)
	return nil
}
