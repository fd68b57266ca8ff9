package globaltensor

import (
	"fmt"
	"strings"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
)

// LogicalBlobId identifies a named output ("blob") of a named operator inside a job.
// Its text form, the logical blob name (lbn), is "op_name/blob_name".
type LogicalBlobId struct {
	OpName   string
	BlobName string
}

// String returns the logical blob name.
func (lbi LogicalBlobId) String() string {
	return lbi.OpName + "/" + lbi.BlobName
}

// GenLogicalBlobName returns the lbn of the blob of the operator.
func GenLogicalBlobName(opName, blobName string) string {
	return LogicalBlobId{OpName: opName, BlobName: blobName}.String()
}

// ParseLbn parses a logical blob name, optionally followed by a distribution hint as in "op/out:S(0)".
// The returned hint is nil if there is none.
func ParseLbn(lbn string) (LogicalBlobId, *sbp.NdSbp, error) {
	name, hintText, hasHint := strings.Cut(lbn, ":")
	opName, blobName, found := strings.Cut(name, "/")
	if !found || opName == "" || blobName == "" || strings.Contains(blobName, "/") {
		return LogicalBlobId{}, nil, errs.Errorf(errs.InvalidArgument,
			"invalid logical blob name %q, expected \"op_name/blob_name\"", lbn)
	}
	lbi := LogicalBlobId{OpName: opName, BlobName: blobName}
	if !hasHint {
		return lbi, nil, nil
	}
	hint, err := sbp.ParseNdSbp(hintText)
	if err != nil {
		return LogicalBlobId{}, nil, errs.Wrapf(errs.InvalidArgument, err, "invalid distribution hint in %q", lbn)
	}
	return lbi, hint, nil
}

// mustLbi is used where the lbn was already validated.
func mustLbi(lbn string) LogicalBlobId {
	lbi, _, err := ParseLbn(lbn)
	if err != nil {
		panic(fmt.Sprintf("lbn %q should have been validated: %v", lbn, err))
	}
	return lbi
}
