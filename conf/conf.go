// Package conf holds the configuration messages exchanged with the job build context: job configuration,
// operator configuration, placement (parallel) configuration and the operator attribute returned after
// inference.
//
// At the boundary the messages are protocol buffers in text format (see Parse* and Text functions);
// inside the program they are plain Go structs.
package conf

import (
	"slices"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
)

// ParallelConf describes a Placement: device tag, device names ("machine:device" or "machine:first-last")
// and an optional hierarchy.
type ParallelConf struct {
	DeviceTag   string
	DeviceNames []string
	Hierarchy   []int
}

// ToPlacement converts the configuration to an interned Placement.
func (pc *ParallelConf) ToPlacement() (*sbp.Placement, error) {
	if pc == nil {
		return nil, errs.New(errs.InvalidArgument, "missing parallel conf")
	}
	return sbp.ParsePlacement(pc.DeviceTag, pc.DeviceNames, pc.Hierarchy)
}

// ParallelConfOf returns the configuration describing the placement, one device name per device.
func ParallelConfOf(p *sbp.Placement) *ParallelConf {
	pc := &ParallelConf{DeviceTag: p.DeviceTag(), Hierarchy: p.Hierarchy()}
	for _, d := range p.Devices() {
		pc.DeviceNames = append(pc.DeviceNames, d.String())
	}
	return pc
}

// Mode names accepted in JobConfig.Mode.
const (
	ModeLazy  = "lazy"
	ModeEager = "eager"
)

// JobConfig configures a job. Mode defaults to ModeLazy.
type JobConfig struct {
	JobName             string
	Mode                string
	Train               bool
	DefaultParallelConf *ParallelConf
}

// AttrValue is the value of an operator attribute. Only the field matching its use is set.
type AttrValue struct {
	Int     *int64
	Float   *float64
	String  *string
	Bool    *bool
	Ints    []int64
	Strings []string
}

// InputBinding binds an operator input key to the logical blob name of the value it consumes.
type InputBinding struct {
	Key string
	Lbn string
}

// OperatorConf configures one operator.
type OperatorConf struct {
	Name   string
	OpType string

	// Inputs in declaration order. The same key may appear more than once for variadic inputs.
	Inputs []InputBinding

	// Outputs names the blobs produced by the operator, e.g. "out".
	Outputs []string

	Attrs map[string]AttrValue

	// ParallelConf overrides the placement of the operator, if set.
	ParallelConf *ParallelConf

	// SbpHints pins the distribution of inputs ("in:<key>_<index>" or "<key>_<index>") and outputs
	// ("out:<name>" or "<name>") in the text form of sbp.ParseNdSbp.
	SbpHints map[string]string
}

// Clone returns a deep copy of the configuration.
func (oc *OperatorConf) Clone() *OperatorConf {
	clone := *oc
	clone.Inputs = slices.Clone(oc.Inputs)
	clone.Outputs = slices.Clone(oc.Outputs)
	if oc.Attrs != nil {
		clone.Attrs = make(map[string]AttrValue, len(oc.Attrs))
		for k, v := range oc.Attrs {
			v.Ints = slices.Clone(v.Ints)
			v.Strings = slices.Clone(v.Strings)
			clone.Attrs[k] = v
		}
	}
	if oc.SbpHints != nil {
		clone.SbpHints = make(map[string]string, len(oc.SbpHints))
		for k, v := range oc.SbpHints {
			clone.SbpHints[k] = v
		}
	}
	if oc.ParallelConf != nil {
		pc := *oc.ParallelConf
		pc.DeviceNames = slices.Clone(pc.DeviceNames)
		pc.Hierarchy = slices.Clone(pc.Hierarchy)
		clone.ParallelConf = &pc
	}
	return &clone
}

// InputLbns returns the lbns bound to the input key, in declaration order.
func (oc *OperatorConf) InputLbns(key string) []string {
	var lbns []string
	for _, in := range oc.Inputs {
		if in.Key == key {
			lbns = append(lbns, in.Lbn)
		}
	}
	return lbns
}

// AttrInt returns an integer attribute.
func (oc *OperatorConf) AttrInt(name string) (int64, bool) {
	v, found := oc.Attrs[name]
	if !found || v.Int == nil {
		return 0, false
	}
	return *v.Int, true
}

// AttrInts returns a list of integers attribute.
func (oc *OperatorConf) AttrInts(name string) ([]int64, bool) {
	v, found := oc.Attrs[name]
	if !found || v.Ints == nil {
		return nil, false
	}
	return v.Ints, true
}

// AttrString returns a string attribute.
func (oc *OperatorConf) AttrString(name string) (string, bool) {
	v, found := oc.Attrs[name]
	if !found || v.String == nil {
		return "", false
	}
	return *v.String, true
}

// AttrBool returns a boolean attribute.
func (oc *OperatorConf) AttrBool(name string) (bool, bool) {
	v, found := oc.Attrs[name]
	if !found || v.Bool == nil {
		return false, false
	}
	return *v.Bool, true
}

// AttrFloat returns a floating point attribute.
func (oc *OperatorConf) AttrFloat(name string) (float64, bool) {
	v, found := oc.Attrs[name]
	if !found || v.Float == nil {
		return 0, false
	}
	return *v.Float, true
}

// SetAttr sets an attribute, allocating the map if needed.
func (oc *OperatorConf) SetAttr(name string, value AttrValue) {
	if oc.Attrs == nil {
		oc.Attrs = make(map[string]AttrValue)
	}
	oc.Attrs[name] = value
}

// IntAttr is a convenience constructor of an integer AttrValue.
func IntAttr(v int64) AttrValue { return AttrValue{Int: &v} }

// IntsAttr is a convenience constructor of a list of integers AttrValue.
func IntsAttr(v ...int64) AttrValue { return AttrValue{Ints: slices.Clone(v)} }

// StringAttr is a convenience constructor of a string AttrValue.
func StringAttr(v string) AttrValue { return AttrValue{String: &v} }

// BoolAttr is a convenience constructor of a boolean AttrValue.
func BoolAttr(v bool) AttrValue { return AttrValue{Bool: &v} }

// FloatAttr is a convenience constructor of a floating point AttrValue.
func FloatAttr(v float64) AttrValue { return AttrValue{Float: &v} }

// MachineConf describes one machine of the environment.
type MachineConf struct {
	Id   int
	Addr string
}

// EnvConf describes the environment: its machines and how many devices each has.
type EnvConf struct {
	Machines          []MachineConf
	DevicesPerMachine int
}

// OpStep is one operator added to a job definition, as a global or as a local operator.
type OpStep struct {
	Op    *OperatorConf
	Local bool
}

// JobDefinition is a whole job in one message: environment, job configuration, operators in the order
// they are added, and the loss lbns.
type JobDefinition struct {
	Env      *EnvConf
	JobConf  *JobConfig
	Steps    []OpStep
	LossLbns []string
}

// BlobSignature describes one input or output blob in an OpAttribute.
type BlobSignature struct {
	Bn        string
	Lbn       string
	Shape     []int
	DType     string
	IsDynamic bool
	NdSbp     string
}

// BoxingAnnotation records that an input needs conversion from the producer's distribution to the
// one selected for the consumer, and the function selected to perform it.
type BoxingAnnotation struct {
	Bn       string
	Lbn      string
	In       string
	Out      string
	Function string
}

// OpAttribute is the result of adding an operator: its placement, the signature of its inputs and
// outputs, and the boxing required on its inputs.
type OpAttribute struct {
	OpName       string
	OpType       string
	ParallelConf *ParallelConf
	Inputs       []BlobSignature
	Outputs      []BlobSignature
	Boxing       []BoxingAnnotation
	LocalSubOps  []string
}

// JobStructure describes a built job for schedulers and tools: the attribute of every operator, in the
// order they were added, and the loss blobs.
type JobStructure struct {
	JobName  string
	Mode     string
	Ops      []*OpAttribute
	LossLbns []string
}
