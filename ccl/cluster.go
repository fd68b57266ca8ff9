package ccl

import (
	"context"
	"fmt"

	"github.com/gomlx/globaltensor/stream"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// LocalCluster simulates machines*devicesPerMachine ranks in one process, connected by a LocalTransport.
type LocalCluster struct {
	machines, devicesPerMachine int
	transport                   Transport
}

// NewLocalCluster returns a cluster of machines*devicesPerMachine ranks over a new LocalTransport.
func NewLocalCluster(machines, devicesPerMachine int) (*LocalCluster, error) {
	return NewCluster(machines, devicesPerMachine, NewLocalTransport())
}

// NewCluster returns a cluster of machines*devicesPerMachine ranks over the given transport.
func NewCluster(machines, devicesPerMachine int, transport Transport) (*LocalCluster, error) {
	if machines <= 0 || devicesPerMachine <= 0 {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid cluster size: %d machines with %d devices each",
			machines, devicesPerMachine)
	}
	return &LocalCluster{machines: machines, devicesPerMachine: devicesPerMachine, transport: transport}, nil
}

// Devices returns all devices of the cluster, ordered by global rank.
func (lc *LocalCluster) Devices() []sbp.Device {
	devices := make([]sbp.Device, 0, lc.machines*lc.devicesPerMachine)
	for m := range lc.machines {
		for d := range lc.devicesPerMachine {
			devices = append(devices, sbp.Device{Machine: m, Device: d})
		}
	}
	return devices
}

// Placement returns a placement with all devices of the cluster and the given hierarchy (nil for 1-D).
func (lc *LocalCluster) Placement(deviceTag string, hierarchy ...int) (*sbp.Placement, error) {
	return sbp.NewPlacement(deviceTag, lc.Devices(), hierarchy)
}

// RankFn is the program run by each rank of a cluster.
type RankFn func(ctx context.Context, comm *Comm, s *stream.Stream) error

// Run runs fn on every rank concurrently (SPMD), each with its own Comm and Stream, and waits for all of them.
// The first failure cancels the context of the other ranks, and is returned.
func (lc *LocalCluster) Run(ctx context.Context, fn RankFn) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, device := range lc.Devices() {
		comm, err := NewComm(device, lc.devicesPerMachine, lc.transport)
		if err != nil {
			return err
		}
		g.Go(func() error {
			s := stream.New(fmt.Sprintf("rank-%d", comm.Rank()))
			rankCtx, cancel := context.WithCancel(gctx)
			defer cancel()
			err := fn(rankCtx, comm, s)
			if err != nil {
				klog.V(1).Infof("%s failed: %v", comm, err)
				// Unblock the tasks still queued on this rank's stream.
				cancel()
			}
			if closeErr := s.Close(); err == nil {
				err = closeErr
			}
			return err
		})
	}
	return g.Wait()
}
