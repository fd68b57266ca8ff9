// jobinfer reads a job definition in protobuf text format, builds and infers it, and prints the attribute
// of every operator: placement, distribution signature, boxing annotations and local sub operators.
//
// Usage:
//
//	jobinfer -def=job.pbtxt [-format=attributes|summary|json] [-v=1]
//
// Use -def=- to read the definition from stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/globaltensor"
	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDef    = flag.String("def", "-", "File with the JobDefinition in protobuf text format, or \"-\" for stdin.")
	flagFormat = flag.String("format", formatAttributes,
		"Output format: \"attributes\" (text OpAttribute per operator), \"summary\" (one line per blob) or \"json\" (job structure).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	text, err := readDefinition(*flagDef)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
	if err := run(context.Background(), text, *flagFormat, os.Stdout); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func readDefinition(path string) (string, error) {
	var contents []byte
	var err error
	if path == "-" {
		contents, err = io.ReadAll(os.Stdin)
	} else {
		contents, err = os.ReadFile(path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading job definition from %q", path)
	}
	return string(contents), nil
}

const (
	formatAttributes = "attributes"
	formatSummary    = "summary"
	formatJSON       = "json"
)

// run builds the job defined by text and writes the inferred operators to w in the given format.
func run(ctx context.Context, text, format string, w io.Writer) error {
	if format != formatAttributes && format != formatSummary && format != formatJSON {
		return errs.Errorf(errs.InvalidArgument, "unknown output format %q", format)
	}
	def, err := conf.ParseJobDefinition(text)
	if err != nil {
		return err
	}
	manager := globaltensor.NewManager(globaltensor.Options{})
	c, err := manager.BuildJob(ctx, def)
	if err != nil {
		return err
	}
	if format == formatJSON {
		graph, err := c.GetJobStructureGraphJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, graph)
		return err
	}
	job := c.Job()
	fmt.Fprintf(w, "# job %q: %d operators, %d blobs, mode %s\n", job.Name(), len(job.Ops()), job.NumValueMetas(), c.Mode())
	for _, op := range job.Ops() {
		attr := op.Attribute()
		if format == formatAttributes {
			fmt.Fprintf(w, "op {\n%s}\n", attr.Text())
			continue
		}
		for _, out := range attr.Outputs {
			lbi, _, err := globaltensor.ParseLbn(out.Lbn)
			if err != nil {
				return err
			}
			meta := job.ValueMeta(lbi)
			if op.IsLocal() {
				meta = job.LocalValueMeta(lbi)
			}
			fmt.Fprintf(w, "%-24s %-10s %s %s %s\n", out.Lbn, attr.OpType, out.NdSbp, meta.Shape,
				humanize.Bytes(uint64(meta.Shape.Memory())))
		}
		for _, b := range attr.Boxing {
			fmt.Fprintf(w, "  boxing %s: %s -> %s with %s\n", b.Lbn, b.In, b.Out, b.Function)
		}
		if err := printReplicaGroups(w, attr.ParallelConf); err != nil {
			return err
		}
	}
	if losses := job.LossLbns(); len(losses) > 0 {
		fmt.Fprintf(w, "# losses: %v\n", losses)
	}
	return nil
}

// printReplicaGroups lists, for hierarchical placements, the parallel ids that communicate along each axis.
func printReplicaGroups(w io.Writer, pc *conf.ParallelConf) error {
	if pc == nil || len(pc.Hierarchy) < 2 {
		return nil
	}
	placement, err := pc.ToPlacement()
	if err != nil {
		return err
	}
	for axis := range placement.HierarchyDepth() {
		groups, err := placement.ComputeReplicaGroups([]int{axis})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  replica groups axis %d: %v\n", axis, groups)
	}
	return nil
}
