package globaltensor

import (
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/hashicorp/go-multierror"
)

// CheckLbnValidAndExist returns an InvalidArgument error if lbn is malformed, and a NotFound error if no
// global or local blob has that name.
func (c *Context) CheckLbnValidAndExist(lbn string) error {
	lbi, _, err := ParseLbn(lbn)
	if err != nil {
		return err
	}
	if _, found := c.job.metas[lbi]; found {
		return nil
	}
	if _, found := c.job.localMetas[lbi]; found {
		return nil
	}
	return errs.Errorf(errs.NotFound, "job %q: blob %s not found", c.job.name, lbn)
}

// CheckJob validates the whole job and returns every violation found, aggregated in a PreconditionFailed
// error. It doesn't change the context.
func (c *Context) CheckJob() error {
	var result *multierror.Error
	if !c.HasJobConf() {
		result = multierror.Append(result, errs.Errorf(errs.InvalidState, "job conf not set"))
	}
	for _, op := range c.job.ops {
		for _, err := range c.checkOp(op) {
			result = multierror.Append(result, err)
		}
	}
	for _, lbn := range c.job.lossLbns {
		if err := c.CheckLbnValidAndExist(lbn); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrapf(errs.PreconditionFailed, err, "job %q has %d problems", c.job.name, len(result.Errors))
	}
	return nil
}

// checkOp verifies the inputs of op are available and, for global operators, that each input is either
// produced with the required distribution or has a boxing annotation accepted by its function.
func (c *Context) checkOp(op *Operator) []error {
	var problems []error
	if op.placement == nil {
		problems = append(problems, errs.Errorf(errs.InvalidArgument, "%s has no placement", op))
	}
	for i, in := range op.inputs {
		lbi, _, err := ParseLbn(in.Lbn)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if op.local {
			if _, err := c.localLbi(in.Lbn); err != nil {
				problems = append(problems, err)
			}
			continue
		}
		meta, found := c.job.metas[lbi]
		if !found {
			problems = append(problems, errs.Errorf(errs.NotFound, "%s: input %s not found", op, in.Lbn))
			continue
		}
		if op.placement == nil || i >= len(op.signature.Inputs) {
			continue
		}
		required, err := sbp.NewPlaced(op.signature.Inputs[i], op.placement)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if required == meta.Placed {
			continue
		}
		if meta.DisableBoxing {
			problems = append(problems, errs.Errorf(errs.PreconditionFailed,
				"%s: input %s requires %s, but %s can't be boxed from %s", op, in.Bn, required, in.Lbn, meta.Placed))
			continue
		}
		annotated := false
		for _, b := range op.boxing {
			if b.Bn != in.Bn {
				continue
			}
			annotated = true
			if err := c.boxing.Check(b.Function, meta.Placed, required, meta.Shape); err != nil {
				problems = append(problems, err)
			}
		}
		if !annotated {
			problems = append(problems, errs.Errorf(errs.PreconditionFailed,
				"%s: input %s requires %s, but %s is %s and has no boxing", op, in.Bn, required, in.Lbn, meta.Placed))
		}
	}
	return problems
}
