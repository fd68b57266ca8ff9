package globaltensor

import (
	"math"
	"strings"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/ops"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/pkg/errors"
)

// staged holds the results of inferring one operator until they are published.
type staged struct {
	job *Job
	op  *Operator

	// placement, if set, is the placement the operator was added with.
	placement *sbp.Placement

	metas         map[LogicalBlobId]*ValueMeta
	localMetas    map[LogicalBlobId]*ValueMeta
	localSubLbis  map[LogicalBlobId][]LogicalBlobId
	globalToLocal map[LogicalBlobId]LogicalBlobId
}

func newStaged(job *Job) *staged {
	return &staged{
		job:           job,
		metas:         make(map[LogicalBlobId]*ValueMeta),
		localMetas:    make(map[LogicalBlobId]*ValueMeta),
		localSubLbis:  make(map[LogicalBlobId][]LogicalBlobId),
		globalToLocal: make(map[LogicalBlobId]LogicalBlobId),
	}
}

// meta looks up staged results first, then the job.
func (st *staged) meta(lbi LogicalBlobId) *ValueMeta {
	if meta, found := st.metas[lbi]; found {
		return meta
	}
	return st.job.metas[lbi]
}

func (st *staged) localMeta(lbi LogicalBlobId) *ValueMeta {
	if meta, found := st.localMetas[lbi]; found {
		return meta
	}
	return st.job.localMetas[lbi]
}

func (st *staged) subLbis(lbi LogicalBlobId) []LogicalBlobId {
	if subs, found := st.localSubLbis[lbi]; found {
		return subs
	}
	return st.job.localSubLbis[lbi]
}

func (st *staged) localView(lbi LogicalBlobId) (LogicalBlobId, bool) {
	if view, found := st.globalToLocal[lbi]; found {
		return view, true
	}
	view, found := st.job.globalToLocal[lbi]
	return view, found
}

// inferGlobalOp resolves the inputs, infers the output shapes, chooses the signature and annotates boxing.
func (c *Context) inferGlobalOp(st *staged, def *ops.Def, oc *conf.OperatorConf) error {
	inputs, err := def.Inputs(oc)
	if err != nil {
		return err
	}
	inMetas := make([]*ValueMeta, len(inputs))
	lbnHints := make([]*sbp.NdSbp, len(inputs))
	for i, in := range inputs {
		lbi, hint, err := ParseLbn(in.Lbn)
		if err != nil {
			return err
		}
		if st.localMeta(lbi) != nil {
			return errs.Errorf(errs.InvalidArgument, "global operator can't consume local blob %s", lbi)
		}
		meta := st.meta(lbi)
		if meta == nil {
			return errs.Errorf(errs.NotFound, "input %s (%s) not found", in.Bn, in.Lbn)
		}
		inMetas[i], lbnHints[i] = meta, hint
	}

	placement, err := c.inferPlacement(st, oc, inMetas)
	if err != nil {
		return err
	}
	outputs := def.Outputs(oc)
	outShapes, err := inferShapes(def, oc, inMetas, len(outputs))
	if err != nil {
		return err
	}

	inf := &signatureInference{
		def:       def,
		oc:        oc,
		placement: placement,
		inputs:    inputs,
		inMetas:   inMetas,
		lbnHints:  lbnHints,
		outputs:   outputs,
		outShapes: outShapes,
	}
	if err := inf.parseConfHints(); err != nil {
		return err
	}
	best, err := c.chooseSignature(inf)
	if err != nil {
		return err
	}

	op := &Operator{
		conf:      oc,
		def:       def,
		placement: placement,
		inputs:    inputs,
		outputs:   outputs,
		signature: best.signature,
		boxing:    best.boxing,
	}
	dynamic := anyDynamic(oc, inMetas)
	attr := &conf.OpAttribute{
		OpName:       oc.Name,
		OpType:       oc.OpType,
		ParallelConf: conf.ParallelConfOf(placement),
		Boxing:       best.boxing,
	}
	for i, in := range inputs {
		required := *inMetas[i]
		required.Placed = best.inPlaced[i]
		attr.Inputs = append(attr.Inputs, blobSignature(in.Bn, in.Lbn, &required))
	}
	for i, bn := range outputs {
		placed, err := sbp.NewPlaced(best.signature.Outputs[i], placement)
		if err != nil {
			return err
		}
		lbi := LogicalBlobId{OpName: oc.Name, BlobName: bn}
		meta := &ValueMeta{Shape: outShapes[i], IsDynamic: dynamic, Placed: placed}
		st.metas[lbi] = meta
		attr.Outputs = append(attr.Outputs, blobSignature(bn, lbi.String(), meta))
	}
	op.attr = attr
	st.op = op
	return nil
}

// inferPlacement chooses the placement of a global operator: its parallel conf, otherwise the placement of an
// input that can't be boxed, otherwise the default placement. Operators being rebuilt keep their placement.
func (c *Context) inferPlacement(st *staged, oc *conf.OperatorConf, inMetas []*ValueMeta) (*sbp.Placement, error) {
	if st.placement != nil {
		return st.placement, nil
	}
	if oc.ParallelConf != nil {
		return oc.ParallelConf.ToPlacement()
	}
	for _, meta := range inMetas {
		if meta.DisableBoxing {
			return meta.Placed.Placement(), nil
		}
	}
	return c.defaultPlacement()
}

func inferShapes(def *ops.Def, oc *conf.OperatorConf, inMetas []*ValueMeta, numOutputs int) ([]shapes.Shape, error) {
	inShapes := make([]shapes.Shape, len(inMetas))
	for i, meta := range inMetas {
		inShapes[i] = meta.Shape
	}
	outShapes, err := def.InferShapes(oc, inShapes)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			return nil, errs.Wrapf(errs.InvalidArgument, err, "shape inference")
		}
		return nil, errors.WithMessage(err, "shape inference")
	}
	if len(outShapes) != numOutputs {
		return nil, errs.Errorf(errs.InvalidArgument, "shape inference returned %d outputs, the operator has %d",
			len(outShapes), numOutputs)
	}
	return outShapes, nil
}

func anyDynamic(oc *conf.OperatorConf, inMetas []*ValueMeta) bool {
	if dynamic, _ := oc.AttrBool("is_dynamic"); dynamic {
		return true
	}
	for _, meta := range inMetas {
		if meta.IsDynamic {
			return true
		}
	}
	return false
}

// signatureInference holds the inputs of the signature search of one operator.
type signatureInference struct {
	def       *ops.Def
	oc        *conf.OperatorConf
	placement *sbp.Placement

	inputs   []ops.InputBlob
	inMetas  []*ValueMeta
	lbnHints []*sbp.NdSbp

	outputs   []string
	outShapes []shapes.Shape

	// inHints and outHints are the explicit distributions pinned by the operator conf, nil if free.
	inHints, outHints []*sbp.NdSbp
}

// parseConfHints resolves the SbpHints of the operator conf to input and output blobs.
func (inf *signatureInference) parseConfHints() error {
	inf.inHints = make([]*sbp.NdSbp, len(inf.inputs))
	inf.outHints = make([]*sbp.NdSbp, len(inf.outputs))
	for key, text := range inf.oc.SbpHints {
		nd, err := sbp.ParseNdSbp(text)
		if err != nil {
			return errs.Wrapf(errs.InvalidArgument, err, "sbp hint %q", key)
		}
		name, side := key, ""
		if prefix, rest, found := strings.Cut(key, ":"); found {
			side, name = prefix, rest
		}
		matched := false
		if side == "" || side == "in" {
			for i, in := range inf.inputs {
				if in.Bn == name {
					inf.inHints[i], matched = nd, true
				}
			}
		}
		if !matched && (side == "" || side == "out") {
			for i, bn := range inf.outputs {
				if bn == name {
					inf.outHints[i], matched = nd, true
				}
			}
		}
		if !matched {
			return errs.Errorf(errs.InvalidArgument, "sbp hint %q doesn't name an input or output blob", key)
		}
	}
	return nil
}

// candidate is a full signature being evaluated.
type candidate struct {
	signature *NdSbpSignature
	inPlaced  []*sbp.Placed
	boxing    []conf.BoxingAnnotation
	cost      int64
}

// chooseSignature enumerates the signatures of the operator over every hierarchy axis, drops those that are
// inconsistent with the hints, the inputs or the available boxing functions, and returns the one with the
// smallest boxing cost. Ties keep the candidate order.
func (c *Context) chooseSignature(inf *signatureInference) (*candidate, error) {
	inShapes := make([]shapes.Shape, len(inf.inMetas))
	for i, meta := range inf.inMetas {
		inShapes[i] = meta.Shape
	}
	perAxis := inf.def.CandidateSignatures(inf.oc, inShapes, inf.outShapes)
	depth := inf.placement.HierarchyDepth()

	var best *candidate
	var firstReason error
	counter := make([]int, depth)
	for {
		cand, err := c.evaluate(inf, perAxis, counter)
		if err != nil {
			if errs.KindOf(err) != errs.PreconditionFailed {
				return nil, err
			}
			if firstReason == nil {
				firstReason = err
			}
		} else if best == nil || cand.cost < best.cost {
			best = cand
		}
		if !nextCombination(counter, len(perAxis)) {
			break
		}
	}
	if best == nil {
		return nil, errs.Wrapf(errs.PreconditionFailed, firstReason,
			"no consistent distribution signature among %d candidates on %s", pow(len(perAxis), depth), inf.placement)
	}
	return best, nil
}

// nextCombination advances counter as an odometer with the first digit most significant.
func nextCombination(counter []int, base int) bool {
	for i := len(counter) - 1; i >= 0; i-- {
		counter[i]++
		if counter[i] < base {
			return true
		}
		counter[i] = 0
	}
	return false
}

func pow(base, exp int) int {
	result := 1
	for range exp {
		result *= base
	}
	return result
}

// evaluate builds the signature selecting perAxis[counter[i]] along hierarchy axis i, and checks it.
// Rejections are PreconditionFailed errors.
func (c *Context) evaluate(inf *signatureInference, perAxis []ops.Signature, counter []int) (*candidate, error) {
	axesOf := func(pick func(ops.Signature) sbp.Sbp) (*sbp.NdSbp, error) {
		axes := make([]sbp.Sbp, len(counter))
		for i, idx := range counter {
			axes[i] = pick(perAxis[idx])
		}
		return sbp.NewNdSbp(axes...)
	}
	sig := &NdSbpSignature{
		Inputs:  make([]*sbp.NdSbp, len(inf.inputs)),
		Outputs: make([]*sbp.NdSbp, len(inf.outputs)),
	}
	var err error
	for i := range inf.inputs {
		if sig.Inputs[i], err = axesOf(func(s ops.Signature) sbp.Sbp { return s.Inputs[i] }); err != nil {
			return nil, err
		}
	}
	for i := range inf.outputs {
		if sig.Outputs[i], err = axesOf(func(s ops.Signature) sbp.Sbp { return s.Outputs[i] }); err != nil {
			return nil, err
		}
	}

	cand := &candidate{signature: sig, inPlaced: make([]*sbp.Placed, len(inf.inputs))}
	for i, nd := range sig.Outputs {
		if hint := inf.outHints[i]; hint != nil && hint != nd {
			return nil, errs.Errorf(errs.PreconditionFailed, "output %s is %s, hinted %s", inf.outputs[i], nd, hint)
		}
		if err := checkSplitability(nd, inf.placement, inf.outShapes[i]); err != nil {
			return nil, err
		}
	}
	for i, nd := range sig.Inputs {
		in, meta := inf.inputs[i], inf.inMetas[i]
		if hint := inf.inHints[i]; hint != nil && hint != nd {
			return nil, errs.Errorf(errs.PreconditionFailed, "input %s is %s, hinted %s", in.Bn, nd, hint)
		}
		if hint := inf.lbnHints[i]; hint != nil && hint != nd {
			return nil, errs.Errorf(errs.PreconditionFailed, "input %s is %s, lbn %s hints %s", in.Bn, nd, in.Lbn, hint)
		}
		if err := checkSplitability(nd, inf.placement, meta.Shape); err != nil {
			return nil, err
		}
		required, err := sbp.NewPlaced(nd, inf.placement)
		if err != nil {
			return nil, err
		}
		cand.inPlaced[i] = required
		if required == meta.Placed {
			continue
		}
		if meta.DisableBoxing {
			return nil, errs.Errorf(errs.PreconditionFailed, "input %s requires %s, but %s is %s and can't be boxed",
				in.Bn, required, in.Lbn, meta.Placed)
		}
		functions := c.boxing.Match(meta.Placed, required, meta.Shape)
		if len(functions) == 0 {
			return nil, errs.Errorf(errs.PreconditionFailed, "no boxing function converts input %s from %s to %s",
				in.Bn, meta.Placed, required)
		}
		cand.boxing = append(cand.boxing, conf.BoxingAnnotation{
			Bn:       in.Bn,
			Lbn:      in.Lbn,
			In:       meta.Placed.NdSbp().String(),
			Out:      nd.String(),
			Function: functions[0],
		})
		cand.cost = saturatingAdd(cand.cost, int64(meta.Shape.Memory()))
	}
	return cand, nil
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// checkSplitability requires every split tensor axis to have at least one element per part.
func checkSplitability(nd *sbp.NdSbp, placement *sbp.Placement, shape shapes.Shape) error {
	if err := sbp.CheckSplittable(nd, shape.Rank()); err != nil {
		return errs.Wrapf(errs.PreconditionFailed, err, "shape %s", shape)
	}
	hierarchy := placement.Hierarchy()
	parts := make(map[int]int)
	for i, s := range nd.Axes() {
		if s.IsSplit() {
			if parts[s.Axis()] == 0 {
				parts[s.Axis()] = 1
			}
			parts[s.Axis()] *= hierarchy[i]
		}
	}
	for axis, n := range parts {
		if shape.Dimensions[axis] < n {
			return errs.Errorf(errs.PreconditionFailed, "axis %d of %s can't be split in %d parts", axis, shape, n)
		}
	}
	return nil
}
