// Package ops holds the operator definitions known to the build context: for each operator type, how to
// infer the logical shape and dtype of its outputs, and which distribution signatures it supports.
//
// Definitions live in an explicit Registry; RegisterBuiltins adds the builtin operators.
package ops

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/internal/optypes"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
)

// Signature is a candidate distribution for one hierarchy axis: one Sbp per input blob and one per
// output blob, in blob order.
type Signature struct {
	Inputs  []sbp.Sbp
	Outputs []sbp.Sbp
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("%v -> %v", s.Inputs, s.Outputs)
}

// Def defines one operator type.
type Def struct {
	Type optypes.OpType

	// InputKeys are the input keys the operator requires, each bound exactly once.
	InputKeys []string

	// DefaultOutputs names the outputs when the operator conf doesn't list any.
	DefaultOutputs []string

	// InferShapes returns the logical shape (with dtype) of each output, given the logical input shapes
	// in InputKeys order.
	InferShapes func(oc *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error)

	// Signatures returns the candidate signatures along one hierarchy axis, in preference order.
	// The all-Broadcast signature is always appended by CandidateSignatures if missing.
	Signatures func(oc *conf.OperatorConf, inputs, outputs []shapes.Shape) []Signature
}

// Name is the op_type name of the definition.
func (def *Def) Name() string {
	return def.Type.WireName()
}

// Registry of operator definitions keyed by op_type name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// NewBuiltinRegistry returns a registry with the builtin operators registered.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// Register adds a definition. It returns an AlreadyExists error if the op type is already registered.
func (r *Registry) Register(def *Def) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := def.Name()
	if _, found := r.defs[name]; found {
		return errs.Errorf(errs.AlreadyExists, "duplicate name: operator type %q already registered", name)
	}
	r.defs[name] = def
	return nil
}

// Lookup returns the definition for the op_type name, or a NotFound error.
func (r *Registry) Lookup(opType string) (*Def, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, found := r.defs[opType]
	if !found {
		return nil, errs.Errorf(errs.NotFound, "unknown operator type %q", opType)
	}
	return def, nil
}

// Names returns the sorted registered op_type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlobName returns the name of the index-th blob bound to key, e.g. "x_0".
func BlobName(key string, index int) string {
	return fmt.Sprintf("%s_%d", key, index)
}

// InputBlob is one input of an operator: its blob name and the lbn of the value it consumes.
type InputBlob struct {
	Bn  string
	Lbn string
}

// Inputs validates the input bindings of the operator conf against the definition and returns the input
// blobs in InputKeys order.
func (def *Def) Inputs(oc *conf.OperatorConf) ([]InputBlob, error) {
	for _, in := range oc.Inputs {
		if !slices.Contains(def.InputKeys, in.Key) {
			return nil, errs.Errorf(errs.InvalidArgument, "operator %q (%s) has unknown input key %q, expected %v",
				oc.Name, def.Name(), in.Key, def.InputKeys)
		}
	}
	blobs := make([]InputBlob, 0, len(def.InputKeys))
	for _, key := range def.InputKeys {
		lbns := oc.InputLbns(key)
		if len(lbns) != 1 {
			return nil, errs.Errorf(errs.InvalidArgument, "operator %q (%s) requires exactly one input %q, got %d",
				oc.Name, def.Name(), key, len(lbns))
		}
		blobs = append(blobs, InputBlob{Bn: BlobName(key, 0), Lbn: lbns[0]})
	}
	return blobs, nil
}

// Outputs returns the output names of the operator conf, or the definition's defaults.
func (def *Def) Outputs(oc *conf.OperatorConf) []string {
	if len(oc.Outputs) > 0 {
		return slices.Clone(oc.Outputs)
	}
	return slices.Clone(def.DefaultOutputs)
}

// CandidateSignatures returns the candidate signatures of the operator along one hierarchy axis, with the
// all-Broadcast signature last if the definition didn't include it. Duplicates are removed, keeping the first.
func (def *Def) CandidateSignatures(oc *conf.OperatorConf, inputs, outputs []shapes.Shape) []Signature {
	var candidates []Signature
	if def.Signatures != nil {
		candidates = def.Signatures(oc, inputs, outputs)
	}
	candidates = append(candidates, allBroadcast(len(inputs), len(outputs)))
	unique := candidates[:0]
	for _, candidate := range candidates {
		if !slices.ContainsFunc(unique, func(s Signature) bool {
			return slices.Equal(s.Inputs, candidate.Inputs) && slices.Equal(s.Outputs, candidate.Outputs)
		}) {
			unique = append(unique, candidate)
		}
	}
	return unique
}

func uniform(n int, s sbp.Sbp) []sbp.Sbp {
	list := make([]sbp.Sbp, n)
	for i := range list {
		list[i] = s
	}
	return list
}

func allBroadcast(numInputs, numOutputs int) Signature {
	return Signature{Inputs: uniform(numInputs, sbp.Broadcast()), Outputs: uniform(numOutputs, sbp.Broadcast())}
}
