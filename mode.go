package globaltensor

import (
	"context"
	"fmt"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecutionMode selects how a job is finalized.
type ExecutionMode int

const (
	// Lazy jobs are compiled once and dispatched later: local operators are replicated once per rank.
	Lazy ExecutionMode = iota

	// Eager jobs execute their operators as they complete: local operators have a single instance.
	Eager
)

// String implements fmt.Stringer.
func (m ExecutionMode) String() string {
	switch m {
	case Lazy:
		return "Lazy"
	case Eager:
		return "Eager"
	default:
		return fmt.Sprintf("ExecutionMode(%d)", int(m))
	}
}

// ParseExecutionMode converts the mode of a job configuration. The empty string means Lazy.
func ParseExecutionMode(mode string) (ExecutionMode, error) {
	switch mode {
	case "", conf.ModeLazy:
		return Lazy, nil
	case conf.ModeEager:
		return Eager, nil
	default:
		return Lazy, errs.Errorf(errs.InvalidArgument, "unknown execution mode %q, expected %q or %q",
			mode, conf.ModeLazy, conf.ModeEager)
	}
}

// OpExecutor runs operators of Eager jobs.
type OpExecutor interface {
	Execute(ctx context.Context, op *Operator) error
}

// OpExecutorFunc adapts a function to OpExecutor.
type OpExecutorFunc func(ctx context.Context, op *Operator) error

// Execute implements OpExecutor.
func (fn OpExecutorFunc) Execute(ctx context.Context, op *Operator) error { return fn(ctx, op) }

// modeStrategy holds everything that differs between execution modes.
type modeStrategy struct {
	// subOpCount is the number of instances of a local operator placed on parallelNum devices.
	subOpCount func(parallelNum int) int

	localOpName func(opName string, parallelId int) string

	// localOpPlacement is the placement of the instance parallelId of a local operator.
	localOpPlacement func(p *sbp.Placement, parallelId int) (*sbp.Placement, error)

	// checkInputsParallelNum verifies the inputs of a local operator are placed on parallelNum devices.
	checkInputsParallelNum func(c *Context, inputs []localInput, parallelNum int) error

	complete func(ctx context.Context, c *Context) error
}

var modeStrategies = map[ExecutionMode]modeStrategy{
	Lazy: {
		subOpCount: func(parallelNum int) int { return parallelNum },
		localOpName: func(opName string, parallelId int) string {
			return fmt.Sprintf("%s-local%d", opName, parallelId)
		},
		localOpPlacement: func(p *sbp.Placement, parallelId int) (*sbp.Placement, error) {
			return sbp.NewPlacement(p.DeviceTag(), []sbp.Device{p.Device(parallelId)}, nil)
		},
		checkInputsParallelNum: func(c *Context, inputs []localInput, parallelNum int) error {
			for _, in := range inputs {
				if n := in.placement.NumDevices(); n != parallelNum {
					return errs.Errorf(errs.InvalidArgument, "input %s of local operator is placed on %d devices, expected %d",
						in.lbn, n, parallelNum)
				}
			}
			return nil
		},
		complete: completeLazy,
	},
	Eager: {
		subOpCount:  func(int) int { return 1 },
		localOpName: func(opName string, _ int) string { return opName },
		localOpPlacement: func(p *sbp.Placement, _ int) (*sbp.Placement, error) {
			return flatPlacement(p)
		},
		checkInputsParallelNum: func(c *Context, inputs []localInput, parallelNum int) error {
			for _, in := range inputs {
				if !in.global && in.placement.NumDevices() != parallelNum {
					return errs.Errorf(errs.InvalidArgument, "local input %s is placed on %d devices, expected %d",
						in.lbn, in.placement.NumDevices(), parallelNum)
				}
			}
			return nil
		},
		complete: completeEager,
	},
}

// flatPlacement returns the placement with the same devices and a 1-D hierarchy.
func flatPlacement(p *sbp.Placement) (*sbp.Placement, error) {
	if p.HierarchyDepth() == 1 {
		return p, nil
	}
	return sbp.NewPlacement(p.DeviceTag(), p.Devices(), nil)
}

// completeLazy materializes one instance per rank of every local operator.
func completeLazy(_ context.Context, c *Context) error {
	var materialized []string
	for _, op := range c.job.ops {
		if op.local {
			materialized = append(materialized, op.subOps...)
		} else {
			materialized = append(materialized, op.Name())
		}
	}
	c.job.materialized = materialized
	return nil
}

// completeEager executes, once, every operator not executed yet.
func completeEager(ctx context.Context, c *Context) error {
	var materialized []string
	for _, op := range c.job.ops {
		materialized = append(materialized, op.Name())
		if c.executed.Has(op.Name()) {
			continue
		}
		if c.executor != nil {
			if err := c.executor.Execute(ctx, op); err != nil {
				return errors.WithMessagef(err, "job %q: executing %s", c.job.name, op)
			}
		} else {
			klog.V(1).Infof("job %q: no executor configured, %s marked as executed", c.job.name, op)
		}
		c.executed.Insert(op.Name())
	}
	c.job.materialized = materialized
	return nil
}
