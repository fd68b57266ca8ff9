// Package ccl is the collective communication library: AllReduce, ReduceScatter, AllGather, Broadcast,
// Reduce, Send and Recv over the ranks of a placement, plus the host-only CpuBroadcast.
//
// Every participating rank must issue the same collectives, in the same order, with the same count, dtype
// and placement. A rank not in the placement must not call a collective on it: it gets an InvalidArgument
// error.
//
// Collectives validate their arguments and return validation errors immediately, then enqueue the data
// movement on the given stream and return. Transport failures are reported by the stream's Sync, as
// TransportFailure errors; they are never retried.
package ccl

import (
	"fmt"

	"github.com/gomlx/globaltensor/tensor"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/gopjrt/dtypes"
)

// ReduceType is the reduction applied by AllReduce, ReduceScatter and Reduce.
type ReduceType int

const (
	InvalidReduceType ReduceType = iota
	Sum
)

// String implements fmt.Stringer.
func (r ReduceType) String() string {
	switch r {
	case Sum:
		return "Sum"
	case InvalidReduceType:
		return "InvalidReduceType"
	}
	return fmt.Sprintf("ReduceType(%d)", int(r))
}

// Backend implements the device-specific parts of the collectives for one device tag.
type Backend struct {
	DeviceTag string

	// Accumulate adds src into dst, both holding values of dtype.
	Accumulate func(dtype dtypes.DType, dst, src []byte) error

	// CanReduce returns whether Accumulate supports dtype.
	CanReduce func(dtype dtypes.DType) bool
}

var backends = map[string]*Backend{
	"cpu": {DeviceTag: "cpu", Accumulate: tensor.Accumulate, CanReduce: tensor.CanSum},
}

func backendFor(placement *sbp.Placement) (*Backend, error) {
	b, found := backends[placement.DeviceTag()]
	if !found {
		return nil, errs.Errorf(errs.InvalidArgument, "no collective backend for device tag %q of %s",
			placement.DeviceTag(), placement)
	}
	return b, nil
}

// Comm is one rank's endpoint: its device and the transport connecting it to the other ranks.
//
// The global rank of a device is machine*devicesPerMachine + device.
type Comm struct {
	device            sbp.Device
	devicesPerMachine int
	transport         Transport
}

// NewComm returns the endpoint of the given device.
func NewComm(device sbp.Device, devicesPerMachine int, transport Transport) (*Comm, error) {
	if devicesPerMachine <= 0 {
		return nil, errs.Errorf(errs.InvalidArgument, "devicesPerMachine must be positive, got %d", devicesPerMachine)
	}
	if device.Machine < 0 || device.Device < 0 || device.Device >= devicesPerMachine {
		return nil, errs.Errorf(errs.InvalidArgument, "device %s out of range for %d devices per machine",
			device, devicesPerMachine)
	}
	if transport == nil {
		return nil, errs.New(errs.InvalidArgument, "Comm requires a transport")
	}
	return &Comm{device: device, devicesPerMachine: devicesPerMachine, transport: transport}, nil
}

// Device of the rank.
func (c *Comm) Device() sbp.Device { return c.device }

// Rank is the global rank of the device.
func (c *Comm) Rank() int { return c.GlobalRank(c.device) }

// GlobalRank returns the global rank of any device.
func (c *Comm) GlobalRank(d sbp.Device) int {
	return d.Machine*c.devicesPerMachine + d.Device
}

// String implements fmt.Stringer.
func (c *Comm) String() string {
	return fmt.Sprintf("rank %d (%s)", c.Rank(), c.device)
}

// group is the view of a placement from one participating rank.
type group struct {
	placement  *sbp.Placement
	backend    *Backend
	parallelId int
	ranks      []int // global rank of each parallel id.
}

func (g *group) size() int { return len(g.ranks) }

func (c *Comm) groupOf(placement *sbp.Placement) (*group, error) {
	if placement == nil {
		return nil, errs.New(errs.InvalidArgument, "collective requires a placement")
	}
	backend, err := backendFor(placement)
	if err != nil {
		return nil, err
	}
	pid, found := placement.ParallelId(c.device)
	if !found {
		return nil, errs.Errorf(errs.InvalidArgument, "%s is not part of %s", c, placement)
	}
	g := &group{placement: placement, backend: backend, parallelId: pid}
	for _, d := range placement.Devices() {
		g.ranks = append(g.ranks, c.GlobalRank(d))
	}
	return g, nil
}

func checkBuffer(name string, buf []byte, count int, dtype dtypes.DType) error {
	if count < 0 {
		return errs.Errorf(errs.InvalidArgument, "negative count %d", count)
	}
	if dtype == dtypes.InvalidDType {
		return errs.New(errs.InvalidArgument, "invalid dtype")
	}
	if need := count * int(dtype.Memory()); len(buf) != need {
		return errs.Errorf(errs.InvalidArgument, "%s buffer has %d bytes, %d elements of %s need %d",
			name, len(buf), count, dtype, need)
	}
	return nil
}

func checkReduce(g *group, dtype dtypes.DType, reduceType ReduceType) error {
	if reduceType != Sum {
		return errs.Errorf(errs.InvalidArgument, "unsupported reduce type %s", reduceType)
	}
	if !g.backend.CanReduce(dtype) {
		return errs.Errorf(errs.InvalidArgument, "%s backend cannot reduce dtype %s", g.backend.DeviceTag, dtype)
	}
	return nil
}

func checkRoot(g *group, root int) error {
	if root < 0 || root >= g.size() {
		return errs.Errorf(errs.InvalidArgument, "root parallel id %d out of range for %s", root, g.placement)
	}
	return nil
}
