package globaltensor

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/internal/utils"
	"github.com/gomlx/globaltensor/ops"
	"github.com/gomlx/globaltensor/types/sbp"
)

// NdSbpSignature is the distribution chosen for each input and output blob of an operator, in blob order.
type NdSbpSignature struct {
	Inputs  []*sbp.NdSbp
	Outputs []*sbp.NdSbp
}

// String implements fmt.Stringer.
func (sig *NdSbpSignature) String() string {
	return fmt.Sprintf("%v -> %v", sig.Inputs, sig.Outputs)
}

// Operator is an operator added to a job, with everything inferred for it.
type Operator struct {
	conf      *conf.OperatorConf
	def       *ops.Def
	local     bool
	placement *sbp.Placement

	inputs    []ops.InputBlob
	outputs   []string
	signature *NdSbpSignature
	boxing    []conf.BoxingAnnotation

	// subOps are the names of the per-rank replicas of a local operator.
	subOps []string

	// attr is the attribute returned when the operator was last inferred.
	attr *conf.OpAttribute
}

// Name of the operator.
func (op *Operator) Name() string { return op.conf.Name }

// Type is the op_type of the operator.
func (op *Operator) Type() string { return op.conf.OpType }

// Conf returns a copy of the operator configuration.
func (op *Operator) Conf() *conf.OperatorConf { return op.conf.Clone() }

// IsLocal returns whether the operator was added as a local (per-rank) operator.
func (op *Operator) IsLocal() bool { return op.local }

// Placement of the operator.
func (op *Operator) Placement() *sbp.Placement { return op.placement }

// Signature returns the inferred distribution signature.
func (op *Operator) Signature() *NdSbpSignature { return op.signature }

// InputBlobs returns the input blob names and the lbns they consume.
func (op *Operator) InputBlobs() []ops.InputBlob { return slices.Clone(op.inputs) }

// OutputBlobs returns the output blob names.
func (op *Operator) OutputBlobs() []string { return slices.Clone(op.outputs) }

// Boxing returns the conversions needed on the inputs of the operator.
func (op *Operator) Boxing() []conf.BoxingAnnotation { return slices.Clone(op.boxing) }

// SubOps returns the names of the replicas of a local operator.
func (op *Operator) SubOps() []string { return slices.Clone(op.subOps) }

// Attribute returns the attribute computed for the operator.
func (op *Operator) Attribute() *conf.OpAttribute { return op.attr }

// String implements fmt.Stringer.
func (op *Operator) String() string {
	kind := "global"
	if op.local {
		kind = "local"
	}
	return fmt.Sprintf("%s op %q (%s) on %s", kind, op.conf.Name, op.conf.OpType, op.placement)
}

// Job is the graph being built: operators in the order they were added, the metadata of every blob and the
// bookkeeping of local blobs.
type Job struct {
	name    string
	jobConf *conf.JobConfig

	ops      []*Operator
	opByName map[string]*Operator

	metas map[LogicalBlobId]*ValueMeta

	// localMetas holds the local view of local blobs: the shape held by each rank and the split axis from the
	// producer view.
	localMetas   map[LogicalBlobId]*ValueMeta
	localSubLbis map[LogicalBlobId][]LogicalBlobId

	// globalToLocal caches the local views of global blobs consumed by local operators.
	globalToLocal map[LogicalBlobId]LogicalBlobId

	lossLbns []string

	// disabledBoxing holds the blobs marked by DisableBoxing. It outlives re-inference.
	disabledBoxing utils.Set[LogicalBlobId]

	// materialized is the list of operator instances produced by Complete.
	materialized []string
}

func newJob(name string) *Job {
	return &Job{
		name:           name,
		opByName:       make(map[string]*Operator),
		metas:          make(map[LogicalBlobId]*ValueMeta),
		localMetas:     make(map[LogicalBlobId]*ValueMeta),
		localSubLbis:   make(map[LogicalBlobId][]LogicalBlobId),
		globalToLocal:  make(map[LogicalBlobId]LogicalBlobId),
		disabledBoxing: utils.MakeSet[LogicalBlobId](),
	}
}

// resetInference drops everything inferred, keeping the operators, the losses and the blobs with boxing
// disabled.
func (j *Job) resetInference() {
	j.metas = make(map[LogicalBlobId]*ValueMeta)
	j.localMetas = make(map[LogicalBlobId]*ValueMeta)
	j.localSubLbis = make(map[LogicalBlobId][]LogicalBlobId)
	j.globalToLocal = make(map[LogicalBlobId]LogicalBlobId)
	j.materialized = nil
}

// Name of the job.
func (j *Job) Name() string { return j.name }

// Conf returns the job configuration, nil if not set.
func (j *Job) Conf() *conf.JobConfig { return j.jobConf }

// Ops returns the operators in the order they were added.
func (j *Job) Ops() []*Operator { return slices.Clone(j.ops) }

// Op returns the named operator, or nil.
func (j *Job) Op(name string) *Operator { return j.opByName[name] }

// NumValueMetas returns the number of blobs with metadata.
func (j *Job) NumValueMetas() int { return len(j.metas) }

// ValueMeta returns the metadata of the blob, or nil.
func (j *Job) ValueMeta(lbi LogicalBlobId) *ValueMeta { return j.metas[lbi] }

// LocalValueMeta returns the per-rank metadata of the local blob, or nil.
func (j *Job) LocalValueMeta(lbi LogicalBlobId) *ValueMeta { return j.localMetas[lbi] }

// Lbis returns the ids of all blobs with metadata, sorted by lbn.
func (j *Job) Lbis() []LogicalBlobId {
	return slices.SortedFunc(maps.Keys(j.metas), func(a, b LogicalBlobId) int {
		return strings.Compare(a.String(), b.String())
	})
}

// LossLbns returns the lbns marked as losses.
func (j *Job) LossLbns() []string { return slices.Clone(j.lossLbns) }

// MaterializedOps returns the operator instances created by Complete, in order.
func (j *Job) MaterializedOps() []string { return slices.Clone(j.materialized) }

// String returns a multi-line description of the job, one line per operator and blob.
func (j *Job) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job %q:\n", j.name)
	for _, op := range j.ops {
		fmt.Fprintf(&sb, "  %s %s\n", op, op.signature)
	}
	for _, lbi := range j.Lbis() {
		fmt.Fprintf(&sb, "  %s: %s\n", lbi, j.metas[lbi])
	}
	if len(j.lossLbns) > 0 {
		fmt.Fprintf(&sb, "  losses: %s\n", strings.Join(j.lossLbns, ", "))
	}
	return sb.String()
}

// Structure returns the attribute of every operator, in the order they were added, and the losses.
func (j *Job) Structure() *conf.JobStructure {
	js := &conf.JobStructure{JobName: j.name, LossLbns: slices.Clone(j.lossLbns)}
	if j.jobConf != nil {
		js.Mode = j.jobConf.Mode
	}
	for _, op := range j.ops {
		js.Ops = append(js.Ops, op.attr)
	}
	return js
}

// blobSignature describes a blob for the operator attribute.
func blobSignature(bn, lbn string, meta *ValueMeta) conf.BlobSignature {
	return conf.BlobSignature{
		Bn:        bn,
		Lbn:       lbn,
		Shape:     slices.Clone(meta.Shape.Dimensions),
		DType:     utils.DTypeToWire(meta.Shape.DType),
		IsDynamic: meta.IsDynamic,
		NdSbp:     meta.Placed.NdSbp().String(),
	}
}
