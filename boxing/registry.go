// Package boxing converts distributed tensors from one placed distribution to another.
//
// A Registry maps names to boxing functions. Each function has a checker, stating exactly which
// (input, output) pattern it handles, and an executor moving the data with the collectives. There is no
// automatic path finding: callers pick the function by name, or list the matching ones with Match.
package boxing

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/globaltensor/ccl"
	"github.com/gomlx/globaltensor/stream"
	"github.com/gomlx/globaltensor/tensor"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Env is the per-rank execution environment of the executors.
type Env struct {
	Comm   *ccl.Comm
	Stream *stream.Stream
}

// Checker returns a PreconditionFailed error if the function can't convert a tensor of the logical shape from
// in to out. It must be pure.
type Checker func(in, out *sbp.Placed, logical shapes.Shape) error

// Executor converts t, whose declared placed distribution is in, to out.
//
// It returns a RuntimeMismatch error if t isn't actually distributed as in, and a TransportFailure if the
// data movement fails, in which case no tensor is returned. The returned tensor is fully materialized.
type Executor func(ctx context.Context, env *Env, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error)

// Function is a registered boxing function.
type Function struct {
	Name    string
	Check   Checker
	Execute Executor
}

type checkKey struct {
	name    string
	in, out *sbp.Placed
	shape   string
}

// checkCacheSize is the number of memoized checker results.
const checkCacheSize = 8192

// Registry of boxing functions. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*Function
	order     []string
	checks    *lru.Cache
}

// NewRegistry returns an empty registry. See RegisterDefaults.
func NewRegistry() *Registry {
	checks, err := lru.New(checkCacheSize)
	if err != nil {
		panic(err)
	}
	return &Registry{functions: make(map[string]*Function), checks: checks}
}

// NewDefaultRegistry returns a registry with the default functions registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		panic(err)
	}
	return r
}

// Register adds a function. It fails with AlreadyExists if the name is already registered.
func (r *Registry) Register(name string, check Checker, execute Executor) error {
	if name == "" || check == nil || execute == nil {
		return errs.Errorf(errs.InvalidArgument, "boxing function %q requires a name, a checker and an executor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.functions[name]; found {
		return errs.Errorf(errs.AlreadyExists, "duplicate name: boxing function %q already registered", name)
	}
	r.functions[name] = &Function{Name: name, Check: check, Execute: execute}
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the function registered under name, or a NotFound error.
func (r *Registry) Lookup(name string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, found := r.functions[name]
	if !found {
		return nil, errs.Errorf(errs.NotFound, "boxing function %q not registered", name)
	}
	return fn, nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Check runs the checker of the named function. Results are memoized per (name, in, out, shape).
func (r *Registry) Check(name string, in, out *sbp.Placed, logical shapes.Shape) error {
	fn, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if in == nil || out == nil {
		return errs.Errorf(errs.InvalidArgument, "boxing function %q requires input and output distributions", name)
	}
	key := checkKey{name: name, in: in, out: out, shape: logical.String()}
	if cached, found := r.checks.Get(key); found {
		if cached == nil {
			return nil
		}
		return cached.(error)
	}
	err = fn.Check(in, out, logical)
	if err != nil {
		err = errs.Wrapf(errs.PreconditionFailed, err, "boxing function %q can't convert %s from %s to %s",
			name, logical, in, out)
	}
	r.checks.Add(key, err)
	return err
}

// Match returns the names of the functions, in registration order, whose checker accepts converting a tensor of
// the logical shape from in to out.
func (r *Registry) Match(in, out *sbp.Placed, logical shapes.Shape) []string {
	var names []string
	for _, name := range r.Names() {
		if r.Check(name, in, out, logical) == nil {
			names = append(names, name)
		}
	}
	return names
}

// Apply converts t, declared as in, to out with the named function: it checks the conversion then runs it.
func (r *Registry) Apply(ctx context.Context, env *Env, name string, t *tensor.Global, in, out *sbp.Placed) (*tensor.Global, error) {
	fn, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := r.Check(name, in, out, t.Shape()); err != nil {
		return nil, err
	}
	klog.V(1).Infof("boxing %s: %s %s -> %s on %s", name, t.Shape(), in, out, t.Device())
	result, err := fn.Execute(ctx, env, t, in, out)
	if err != nil {
		return nil, errors.WithMessagef(err, "boxing %s", name)
	}
	return result, nil
}

// String implements fmt.Stringer.
func (fn *Function) String() string {
	return fmt.Sprintf("BoxingFunction(%s)", fn.Name)
}
