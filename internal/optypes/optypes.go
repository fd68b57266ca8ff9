// Package optypes defines OpType and lists the operator types known to the build context.
package optypes

import (
	"github.com/gomlx/globaltensor/internal/utils"
)

// OpType is an enum of the operator types that have shape and distribution inference rules.
type OpType int

//go:generate go tool enumer -type=OpType optypes.go

const (
	Invalid OpType = iota
	Input
	Variable
	Identity

	Relu
	Tanh

	Add
	Mul
	BiasAdd

	Matmul
	ReduceSum

	// Last should always be kept the last, it is used as a counter/marker for the number of op types.
	Last
)

var (
	// wireMappings maps OpType to the name used in the op_type field of operator confs, when the default
	// "snake case" doesn't work.
	wireMappings = map[OpType]string{}

	wireNames = func() map[string]OpType {
		m := make(map[string]OpType, int(Last))
		for op := Invalid + 1; op < Last; op++ {
			m[op.WireName()] = op
		}
		return m
	}()
)

// WireName returns the name of the operation as used in operator confs.
func (op OpType) WireName() string {
	name, ok := wireMappings[op]
	if !ok {
		name = utils.ToSnakeCase(op.String())
	}
	return name
}

// FromWireName returns the OpType for an op_type name, or Invalid if not known.
func FromWireName(name string) OpType {
	if op, found := wireNames[name]; found {
		return op
	}
	return Invalid
}
