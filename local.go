package globaltensor

import (
	"fmt"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/ops"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
)

// localInput is an input of a local operator, resolved to a local blob (possibly the local view of a global one).
type localInput struct {
	bn, lbn string

	// lbi is the local blob consumed.
	lbi LogicalBlobId

	// global is set if the input is the local view of a global blob.
	global bool

	// placement is the placement of the producer.
	placement *sbp.Placement
}

// inferLocalOp infers a local operator: one sub operator per instance of the execution mode, each consuming
// the sub blobs of its inputs with the same index.
func (c *Context) inferLocalOp(st *staged, def *ops.Def, oc *conf.OperatorConf) error {
	blobs, err := def.Inputs(oc)
	if err != nil {
		return err
	}
	placement, err := c.localPlacement(st, oc)
	if err != nil {
		return err
	}
	parallelNum := placement.NumDevices()

	inputs := make([]localInput, len(blobs))
	for i, blob := range blobs {
		lbi, _, err := ParseLbn(blob.Lbn)
		if err != nil {
			return err
		}
		in := localInput{bn: blob.Bn, lbn: blob.Lbn, lbi: lbi}
		if meta := st.localMeta(lbi); meta != nil {
			in.placement = meta.Placed.Placement()
		} else if meta := st.meta(lbi); meta != nil {
			if err := checkConvertibleToLocal(blob, meta); err != nil {
				return err
			}
			in.global, in.placement = true, meta.Placed.Placement()
		} else {
			return errs.Errorf(errs.NotFound, "input %s (%s) not found", blob.Bn, blob.Lbn)
		}
		inputs[i] = in
	}
	if err := c.strategy.checkInputsParallelNum(c, inputs, parallelNum); err != nil {
		return err
	}
	for i, in := range inputs {
		if !in.global {
			continue
		}
		view, err := c.findOrCreateLocalView(st, in.lbi)
		if err != nil {
			return err
		}
		inputs[i].lbi = view
	}

	outputs := def.Outputs(oc)
	numSubOps := c.strategy.subOpCount(parallelNum)
	op := &Operator{
		conf:      oc,
		def:       def,
		local:     true,
		placement: placement,
		inputs:    blobs,
		outputs:   outputs,
		signature: &NdSbpSignature{},
	}
	inMetas := make([]*ValueMeta, len(inputs))
	subLbis := make([][]LogicalBlobId, len(outputs))
	var firstOutMetas []*ValueMeta
	for i := range numSubOps {
		for j, in := range inputs {
			subs := st.subLbis(in.lbi)
			if len(subs) != numSubOps {
				return errs.Errorf(errs.InvalidArgument, "input %s has %d sub blobs, expected %d", in.lbn, len(subs), numSubOps)
			}
			inMetas[j] = st.meta(subs[i])
		}
		outShapes, err := inferShapes(def, oc, inMetas, len(outputs))
		if err != nil {
			return err
		}
		subName := c.strategy.localOpName(oc.Name, i)
		subPlacement, err := c.strategy.localOpPlacement(placement, i)
		if err != nil {
			return err
		}
		replicated, err := broadcastOn(subPlacement)
		if err != nil {
			return err
		}
		dynamic := anyDynamic(oc, inMetas)
		op.subOps = append(op.subOps, subName)
		for j, bn := range outputs {
			sub := LogicalBlobId{OpName: subName, BlobName: bn}
			meta := &ValueMeta{Shape: outShapes[j], IsDynamic: dynamic, Placed: replicated}
			st.metas[sub] = meta
			subLbis[j] = append(subLbis[j], sub)
			if i == 0 {
				firstOutMetas = append(firstOutMetas, meta)
			}
		}
	}

	attr := &conf.OpAttribute{
		OpName:       oc.Name,
		OpType:       oc.OpType,
		ParallelConf: conf.ParallelConfOf(placement),
		LocalSubOps:  op.subOps,
	}
	for _, in := range inputs {
		meta := st.localMeta(in.lbi)
		op.signature.Inputs = append(op.signature.Inputs, meta.Placed.NdSbp())
		attr.Inputs = append(attr.Inputs, blobSignature(in.bn, in.lbn, meta))
	}
	for j, bn := range outputs {
		lbi := LogicalBlobId{OpName: oc.Name, BlobName: bn}
		placed, err := localPlaced(placement, firstOutMetas[j].Shape, sbp.Split(0))
		if err != nil {
			return err
		}
		meta := &ValueMeta{Shape: firstOutMetas[j].Shape, IsDynamic: firstOutMetas[j].IsDynamic, Placed: placed}
		st.localMetas[lbi] = meta
		st.localSubLbis[lbi] = subLbis[j]
		op.signature.Outputs = append(op.signature.Outputs, placed.NdSbp())
		attr.Outputs = append(attr.Outputs, blobSignature(bn, lbi.String(), meta))
	}
	op.attr = attr
	st.op = op
	return nil
}

// localPlacement is the placement of a local operator: its parallel conf or the default, with a flat hierarchy.
func (c *Context) localPlacement(st *staged, oc *conf.OperatorConf) (*sbp.Placement, error) {
	var placement *sbp.Placement
	var err error
	if st.placement != nil {
		placement = st.placement
	} else if oc.ParallelConf != nil {
		placement, err = oc.ParallelConf.ToPlacement()
	} else {
		placement, err = c.defaultPlacement()
	}
	if err != nil {
		return nil, err
	}
	return flatPlacement(placement)
}

// checkConvertibleToLocal verifies that a global blob can be seen as a local one: each rank must hold a
// shard or replica of the value, not an addend.
func checkConvertibleToLocal(blob ops.InputBlob, meta *ValueMeta) error {
	if meta.Placed.NdSbp().HasPartialSum() {
		return errs.Errorf(errs.InvalidArgument, "input %s (%s) is partial-sum %s and can't be consumed as a local blob",
			blob.Bn, blob.Lbn, meta.Placed)
	}
	return nil
}

// findOrCreateLocalView returns the local view of the global blob, creating it the first time: one sub blob
// per instance holding the shard of that rank.
func (c *Context) findOrCreateLocalView(st *staged, lbi LogicalBlobId) (LogicalBlobId, error) {
	if view, found := st.localView(lbi); found {
		return view, nil
	}
	meta := st.meta(lbi)
	producer := meta.Placed.Placement()
	viewOp := fmt.Sprintf("%s-%s-global_to_local", lbi.OpName, lbi.BlobName)
	view := LogicalBlobId{OpName: viewOp, BlobName: "out"}

	var subs []LogicalBlobId
	var first shapes.Shape
	for i := range c.strategy.subOpCount(producer.NumDevices()) {
		physical, err := sbp.PhysicalShape(meta.Shape, meta.Placed, i)
		if err != nil {
			return LogicalBlobId{}, err
		}
		subPlacement, err := c.strategy.localOpPlacement(producer, i)
		if err != nil {
			return LogicalBlobId{}, err
		}
		replicated, err := broadcastOn(subPlacement)
		if err != nil {
			return LogicalBlobId{}, err
		}
		sub := LogicalBlobId{OpName: c.strategy.localOpName(viewOp, i), BlobName: "out"}
		st.metas[sub] = &ValueMeta{Shape: physical, IsDynamic: meta.IsDynamic, Placed: replicated}
		subs = append(subs, sub)
		if i == 0 {
			first = physical
		}
	}
	placed, err := localPlaced(producer, first, meta.Placed.NdSbp().At(0))
	if err != nil {
		return LogicalBlobId{}, err
	}
	st.localMetas[view] = &ValueMeta{Shape: first, IsDynamic: meta.IsDynamic, Placed: placed}
	st.localSubLbis[view] = subs
	st.globalToLocal[lbi] = view
	return view, nil
}

// broadcastOn returns the 1-D Broadcast distribution on the placement.
func broadcastOn(p *sbp.Placement) (*sbp.Placed, error) {
	flat, err := flatPlacement(p)
	if err != nil {
		return nil, err
	}
	nd, err := sbp.NewNdSbp(sbp.Broadcast())
	if err != nil {
		return nil, err
	}
	return sbp.NewPlaced(nd, flat)
}

// localPlaced is the producer view of a local blob over the flattened placement: split is used as its split
// axis unless the per-rank shape is a scalar, which is Broadcast.
func localPlaced(p *sbp.Placement, perRank shapes.Shape, split sbp.Sbp) (*sbp.Placed, error) {
	flat, err := flatPlacement(p)
	if err != nil {
		return nil, err
	}
	s := split
	if perRank.IsScalar() || (s.IsSplit() && s.Axis() >= perRank.Rank()) {
		s = sbp.Broadcast()
	}
	nd, err := sbp.NewNdSbp(s)
	if err != nil {
		return nil, err
	}
	return sbp.NewPlaced(nd, flat)
}
