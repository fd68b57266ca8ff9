package globaltensor

import (
	"slices"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// valueMeta returns the metadata of a global blob. Distribution hints in lbn are ignored.
//
// Local blobs are NotFound in every mode, even in Eager mode where the single sub blob of a local output
// has the lbn of the output itself.
func (c *Context) valueMeta(lbn string) (*ValueMeta, error) {
	lbi, _, err := ParseLbn(lbn)
	if err != nil {
		return nil, err
	}
	if _, found := c.job.localMetas[lbi]; found {
		return nil, errs.Errorf(errs.NotFound, "job %q: %s is a local blob, use the LocalBlob accessors", c.job.name, lbn)
	}
	meta, found := c.job.metas[lbi]
	if !found {
		return nil, errs.Errorf(errs.NotFound, "job %q: blob %s not found", c.job.name, lbn)
	}
	return meta, nil
}

// GetStaticShape returns the logical shape of the blob, with its dtype.
func (c *Context) GetStaticShape(lbn string) (shapes.Shape, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return shapes.Invalid(), err
	}
	return meta.Shape.Clone(), nil
}

func (c *Context) GetDataType(lbn string) (dtypes.DType, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return meta.Shape.DType, nil
}

func (c *Context) IsDynamic(lbn string) (bool, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return false, err
	}
	return meta.IsDynamic, nil
}

func (c *Context) IsDisableBoxing(lbn string) (bool, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return false, err
	}
	return meta.DisableBoxing, nil
}

// DisableBoxing forbids converting the blob: consumers must use it with its producer distribution.
func (c *Context) DisableBoxing(lbn string) error {
	if err := c.checkState("disable boxing", Building); err != nil {
		return err
	}
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return err
	}
	lbi := mustLbi(lbn)
	c.job.disabledBoxing.Insert(lbi)
	c.job.metas[lbi] = withBoxingDisabled(meta)
	return nil
}

func withBoxingDisabled(meta *ValueMeta) *ValueMeta {
	if meta.DisableBoxing {
		return meta
	}
	updated := *meta
	updated.DisableBoxing = true
	return &updated
}

// GetSplitAxisFromProducerView returns the tensor axis split by the producer distribution, if any.
func (c *Context) GetSplitAxisFromProducerView(lbn string) (axis int, isSplit bool, err error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return 0, false, err
	}
	axis, isSplit = meta.SplitAxis()
	return axis, isSplit, nil
}

// GetParallelDescFromProducerView returns the placement of the blob.
func (c *Context) GetParallelDescFromProducerView(lbn string) (*sbp.Placement, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return nil, err
	}
	return meta.Placed.Placement(), nil
}

// GetPlacedFromProducerView returns the placed distribution of the blob.
func (c *Context) GetPlacedFromProducerView(lbn string) (*sbp.Placed, error) {
	meta, err := c.valueMeta(lbn)
	if err != nil {
		return nil, err
	}
	return meta.Placed, nil
}

// IsLocalBlob returns whether the blob was produced by a local operator.
func (c *Context) IsLocalBlob(lbn string) bool {
	lbi, _, err := ParseLbn(lbn)
	if err != nil {
		return false
	}
	_, found := c.job.localMetas[lbi]
	return found
}

// localLbi resolves lbn to a local blob: the blob itself if local, otherwise the local view already created
// for the global blob.
func (c *Context) localLbi(lbnWithHint string) (LogicalBlobId, error) {
	lbi, _, err := ParseLbn(lbnWithHint)
	if err != nil {
		return LogicalBlobId{}, err
	}
	if _, found := c.job.localMetas[lbi]; found {
		return lbi, nil
	}
	if view, found := c.job.globalToLocal[lbi]; found {
		return view, nil
	}
	if _, found := c.job.metas[lbi]; found {
		return LogicalBlobId{}, errs.Errorf(errs.NotFound, "job %q: global blob %s has no local view", c.job.name, lbi)
	}
	return LogicalBlobId{}, errs.Errorf(errs.NotFound, "job %q: blob %s not found", c.job.name, lbi)
}

func (c *Context) localMeta(lbnWithHint string) (*ValueMeta, error) {
	lbi, err := c.localLbi(lbnWithHint)
	if err != nil {
		return nil, err
	}
	return c.job.localMetas[lbi], nil
}

// LocalBlobGetNumSubLbi returns the number of per-instance sub blobs of a local blob.
func (c *Context) LocalBlobGetNumSubLbi(lbn string) (int, error) {
	lbi, err := c.localLbi(lbn)
	if err != nil {
		return 0, err
	}
	return len(c.job.localSubLbis[lbi]), nil
}

// LocalBlobGetSubLbi returns the sub blob of the instance index of a local blob.
func (c *Context) LocalBlobGetSubLbi(lbn string, index int) (LogicalBlobId, error) {
	lbi, err := c.localLbi(lbn)
	if err != nil {
		return LogicalBlobId{}, err
	}
	subs := c.job.localSubLbis[lbi]
	if index < 0 || index >= len(subs) {
		return LogicalBlobId{}, errs.Errorf(errs.InvalidArgument, "sub blob index %d out of range for %s with %d sub blobs",
			index, lbn, len(subs))
	}
	return subs[index], nil
}

// LocalBlobGetStaticShape returns the shape held by one rank.
func (c *Context) LocalBlobGetStaticShape(lbnWithHint string) (shapes.Shape, error) {
	meta, err := c.localMeta(lbnWithHint)
	if err != nil {
		return shapes.Invalid(), err
	}
	return meta.Shape.Clone(), nil
}

func (c *Context) LocalBlobGetDataType(lbnWithHint string) (dtypes.DType, error) {
	meta, err := c.localMeta(lbnWithHint)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return meta.Shape.DType, nil
}

func (c *Context) LocalBlobIsDynamic(lbnWithHint string) (bool, error) {
	meta, err := c.localMeta(lbnWithHint)
	if err != nil {
		return false, err
	}
	return meta.IsDynamic, nil
}

func (c *Context) LocalBlobGetSplitAxisFromProducerView(lbnWithHint string) (axis int, isSplit bool, err error) {
	meta, err := c.localMeta(lbnWithHint)
	if err != nil {
		return 0, false, err
	}
	axis, isSplit = meta.SplitAxis()
	return axis, isSplit, nil
}

func (c *Context) LocalBlobGetParallelDescFromProducerView(lbnWithHint string) (*sbp.Placement, error) {
	meta, err := c.localMeta(lbnWithHint)
	if err != nil {
		return nil, err
	}
	return meta.Placed.Placement(), nil
}

// GetOpBlobLbn returns the lbn bound to a blob of an operator: the consumed lbn for inputs, the produced one for
// outputs.
func (c *Context) GetOpBlobLbn(opName, bn string) (string, error) {
	op, found := c.job.opByName[opName]
	if !found {
		return "", errs.Errorf(errs.NotFound, "job %q: operator %q not found", c.job.name, opName)
	}
	for _, in := range op.inputs {
		if in.Bn == bn {
			return in.Lbn, nil
		}
	}
	if slices.Contains(op.outputs, bn) {
		return GenLogicalBlobName(opName, bn), nil
	}
	return "", errs.Errorf(errs.NotFound, "job %q: operator %q has no blob %q", c.job.name, opName, bn)
}

// GetJobStructureGraphJSON returns the placement, signature and boxing of every operator of the job as JSON.
func (c *Context) GetJobStructureGraphJSON() (string, error) {
	js := c.job.Structure()
	js.Mode = c.mode.String()
	data, err := js.JSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}
