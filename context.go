// Package globaltensor builds distributed jobs: operators are added one by one to a job Context, which infers
// the logical shape and the distribution (placed Nd SBP) of every blob they produce, chooses a distribution
// signature for each operator and annotates the boxing needed on its inputs.
//
// Contexts are created and looked up by name through a Manager, or directly with NewContext. The lifecycle of a
// Context is Opened -> ConfSet -> Building -> Completed -> Closed; Rebuild takes a Completed context back to
// Building.
//
// A Context is not safe for concurrent use.
package globaltensor

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/globaltensor/boxing"
	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/internal/utils"
	"github.com/gomlx/globaltensor/ops"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Context.
type State int

const (
	Opened State = iota
	ConfSet
	Building
	Completed
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Opened:
		return "Opened"
	case ConfSet:
		return "ConfSet"
	case Building:
		return "Building"
	case Completed:
		return "Completed"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures new contexts. Zero values are replaced by defaults.
type Options struct {
	// Ops defines the known operator types. Defaults to ops.NewBuiltinRegistry().
	Ops *ops.Registry

	// Boxing is used to annotate the conversions of operator inputs. Defaults to boxing.NewDefaultRegistry().
	Boxing *boxing.Registry

	// Executor runs the operators of Eager jobs on Complete. If nil, operators are only marked as executed.
	Executor OpExecutor
}

func (o Options) withDefaults() Options {
	if o.Ops == nil {
		o.Ops = ops.NewBuiltinRegistry()
	}
	if o.Boxing == nil {
		o.Boxing = boxing.NewDefaultRegistry()
	}
	return o
}

// Context builds and infers one job.
type Context struct {
	job   *Job
	state State

	mode     ExecutionMode
	strategy modeStrategy

	ops      *ops.Registry
	boxing   *boxing.Registry
	executor OpExecutor

	// executed holds the names of the operators already run by an Eager context.
	executed utils.Set[string]

	scopes            []*sbp.Placement
	uniqueOpNameIndex int
}

// NewContext returns a Context for the named job, in state Opened.
func NewContext(jobName string, options Options) *Context {
	options = options.withDefaults()
	return &Context{
		job:      newJob(jobName),
		state:    Opened,
		mode:     Lazy,
		strategy: modeStrategies[Lazy],
		ops:      options.Ops,
		boxing:   options.Boxing,
		executor: options.Executor,
		executed: utils.MakeSet[string](),
	}
}

// JobName is the name of the job being built.
func (c *Context) JobName() string { return c.job.name }

// State returns the lifecycle state.
func (c *Context) State() State { return c.state }

// Mode returns the execution mode, set by SetJobConf.
func (c *Context) Mode() ExecutionMode { return c.mode }

// Job returns the job being built. It must not be modified.
func (c *Context) Job() *Job { return c.job }

// checkState returns an InvalidState error if the context is not in one of the given states.
func (c *Context) checkState(action string, states ...State) error {
	if slices.Contains(states, c.state) {
		return nil
	}
	return errs.Errorf(errs.InvalidState, "job %q: can't %s in state %s, requires one of %v",
		c.job.name, action, c.state, states)
}

// SetJobConf sets the job configuration. It can only be done once.
func (c *Context) SetJobConf(jobConf *conf.JobConfig) error {
	if c.state == Closed {
		return c.checkState("set the job conf", Opened)
	}
	if c.HasJobConf() {
		return errs.Errorf(errs.InvalidState, "job %q: job conf already set", c.job.name)
	}
	if jobConf == nil {
		return errs.Errorf(errs.InvalidArgument, "job %q: missing job conf", c.job.name)
	}
	if jobConf.JobName != "" && jobConf.JobName != c.job.name {
		return errs.Errorf(errs.InvalidArgument, "job conf is for job %q, not %q", jobConf.JobName, c.job.name)
	}
	mode, err := ParseExecutionMode(jobConf.Mode)
	if err != nil {
		return err
	}
	if jobConf.DefaultParallelConf != nil {
		if _, err := jobConf.DefaultParallelConf.ToPlacement(); err != nil {
			return errors.WithMessagef(err, "job %q: default parallel conf", c.job.name)
		}
	}
	jc := *jobConf
	jc.JobName = c.job.name
	c.job.jobConf = &jc
	c.mode = mode
	c.strategy = modeStrategies[mode]
	c.state = ConfSet
	klog.V(1).Infof("job %q: conf set, mode %s", c.job.name, mode)
	return nil
}

// HasJobConf returns whether SetJobConf succeeded.
func (c *Context) HasJobConf() bool { return c.job.jobConf != nil }

// PushPlacementScope makes p the placement of the operators added without a parallel conf, until popped.
func (c *Context) PushPlacementScope(p *sbp.Placement) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "placement scope requires a placement")
	}
	c.scopes = append(c.scopes, p)
	return nil
}

// PopPlacementScope removes the innermost placement scope.
func (c *Context) PopPlacementScope() error {
	if len(c.scopes) == 0 {
		return errs.Errorf(errs.InvalidState, "job %q: no placement scope to pop", c.job.name)
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
	return nil
}

// defaultPlacement is the placement of operators without a parallel conf: the innermost scope, otherwise the
// job default.
func (c *Context) defaultPlacement() (*sbp.Placement, error) {
	if n := len(c.scopes); n > 0 {
		return c.scopes[n-1], nil
	}
	if c.job.jobConf != nil && c.job.jobConf.DefaultParallelConf != nil {
		return c.job.jobConf.DefaultParallelConf.ToPlacement()
	}
	return nil, errs.Errorf(errs.InvalidArgument, "job %q: no placement scope and no default parallel conf", c.job.name)
}

// AddAndInferGlobalOp adds a global operator: its outputs are distributed over its placement as chosen by
// signature inference. Nothing is recorded if it fails.
func (c *Context) AddAndInferGlobalOp(oc *conf.OperatorConf) (*conf.OpAttribute, error) {
	return c.addAndInfer(oc, false)
}

// AddAndInferLocalOp adds a local operator: one instance per rank (in Lazy mode) consumes and produces local
// blobs. Global inputs are converted to their local view. Nothing is recorded if it fails.
func (c *Context) AddAndInferLocalOp(oc *conf.OperatorConf) (*conf.OpAttribute, error) {
	return c.addAndInfer(oc, true)
}

func (c *Context) addAndInfer(oc *conf.OperatorConf, local bool) (*conf.OpAttribute, error) {
	if err := c.checkState("add operators", ConfSet, Building); err != nil {
		return nil, err
	}
	st, err := c.inferOp(oc, local, nil)
	if err != nil {
		return nil, err
	}
	c.commit(st)
	c.state = Building
	klog.V(1).Infof("job %q: added %s %s", c.job.name, st.op, st.op.signature)
	return st.op.attr, nil
}

// inferOp infers the operator. existing is the operator being re-inferred by Rebuild, if any.
func (c *Context) inferOp(oc *conf.OperatorConf, local bool, existing *Operator) (*staged, error) {
	if oc == nil {
		return nil, errs.Errorf(errs.InvalidArgument, "job %q: missing operator conf", c.job.name)
	}
	if oc.Name == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "job %q: operator of type %q has no name", c.job.name, oc.OpType)
	}
	if op, found := c.job.opByName[oc.Name]; found && op != existing {
		return nil, errs.Errorf(errs.AlreadyExists, "job %q: duplicate name: operator %q already added", c.job.name, oc.Name)
	}
	def, err := c.ops.Lookup(oc.OpType)
	if err != nil {
		return nil, errors.WithMessagef(err, "job %q: operator %q", c.job.name, oc.Name)
	}
	st := newStaged(c.job)
	if existing != nil {
		st.placement = existing.placement
	}
	if local {
		err = c.inferLocalOp(st, def, oc.Clone())
	} else {
		err = c.inferGlobalOp(st, def, oc.Clone())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "job %q: operator %q (%s)", c.job.name, oc.Name, oc.OpType)
	}
	return st, nil
}

// commit adds an inferred operator to the job and publishes its blobs.
func (c *Context) commit(st *staged) {
	c.job.ops = append(c.job.ops, st.op)
	c.job.opByName[st.op.Name()] = st.op
	c.publish(st)
}

// publish records the blobs of an inferred operator.
func (c *Context) publish(st *staged) {
	for lbi, meta := range st.metas {
		if c.job.disabledBoxing.Has(lbi) {
			meta = withBoxingDisabled(meta)
		}
		c.job.metas[lbi] = meta
	}
	for lbi, meta := range st.localMetas {
		c.job.localMetas[lbi] = meta
	}
	for lbi, subs := range st.localSubLbis {
		c.job.localSubLbis[lbi] = subs
	}
	for lbi, view := range st.globalToLocal {
		c.job.globalToLocal[lbi] = view
	}
}

// AddLossLogicalBlobName marks the blob as a loss. For local blobs, all their sub blobs are marked.
func (c *Context) AddLossLogicalBlobName(lbn string) error {
	if err := c.checkState("add a loss", Building); err != nil {
		return err
	}
	lbi, _, err := ParseLbn(lbn)
	if err != nil {
		return err
	}
	if !c.job.jobConf.Train {
		klog.Warningf("job %q: loss %s added to a job not configured for training", c.job.name, lbn)
	}
	var lbns []string
	if subs, found := c.job.localSubLbis[lbi]; found {
		for _, sub := range subs {
			lbns = append(lbns, sub.String())
		}
	} else if _, found := c.job.metas[lbi]; found {
		lbns = []string{lbi.String()}
	} else {
		return errs.Errorf(errs.NotFound, "job %q: loss blob %s not found", c.job.name, lbn)
	}
	for _, name := range lbns {
		if !slices.Contains(c.job.lossLbns, name) {
			c.job.lossLbns = append(c.job.lossLbns, name)
		}
	}
	return nil
}

// Complete finalizes the job according to the execution mode. Eager contexts run the operators not run yet.
func (c *Context) Complete(ctx context.Context) error {
	if err := c.checkState("complete", ConfSet, Building); err != nil {
		return err
	}
	if err := c.strategy.complete(ctx, c); err != nil {
		return err
	}
	c.state = Completed
	klog.V(1).Infof("job %q: completed (%s) with %d operator instances", c.job.name, c.mode, len(c.job.materialized))
	return nil
}

// Rebuild re-infers every operator of a Completed job in its original order and returns it to Building.
// Operators keep their identity and the placement resolved when they were added, whatever the placement
// scopes active now. Blobs with boxing disabled stay so. If re-inference fails the job is left as it was.
func (c *Context) Rebuild() error {
	if err := c.checkState("rebuild", Completed); err != nil {
		return err
	}
	saved := *c.job
	c.job.resetInference()
	results := make([]*staged, len(saved.ops))
	for i, op := range saved.ops {
		st, err := c.inferOp(op.conf, op.local, op)
		if err != nil {
			*c.job = saved
			return errors.WithMessagef(err, "job %q: rebuild", c.job.name)
		}
		c.publish(st)
		results[i] = st
	}
	for _, lbn := range saved.lossLbns {
		if _, found := c.job.metas[mustLbi(lbn)]; !found {
			*c.job = saved
			return errs.Errorf(errs.NotFound, "job %q: rebuild lost loss blob %s", c.job.name, lbn)
		}
	}
	for i, op := range saved.ops {
		*op = *results[i].op
	}
	c.state = Building
	klog.V(1).Infof("job %q: rebuilt %d operators", c.job.name, len(c.job.ops))
	return nil
}

// close moves the context to Closed. Closed contexts reject every mutation.
func (c *Context) close() {
	c.state = Closed
	c.scopes = nil
}

// NewUniqueOpNameByFunctionalOpConf returns an operator name not used in the job, derived from the conf name
// (or its type if it has no name).
func (c *Context) NewUniqueOpNameByFunctionalOpConf(oc *conf.OperatorConf) string {
	base := oc.Name
	if base == "" {
		base = oc.OpType
	}
	for {
		name := fmt.Sprintf("%s-%d", base, c.uniqueOpNameIndex)
		c.uniqueOpNameIndex++
		if _, found := c.job.opByName[name]; !found {
			return name
		}
	}
}
