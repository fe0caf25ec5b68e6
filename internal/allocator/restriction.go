package allocator

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/devicelab/conductor/pkg/types"
)

const maxRestrictionLength = 1024

// restrictionEvaluator compiles and caches device restriction expressions.
// Restrictions are boolean predicates over device attributes, e.g.
// `memory_mb >= 2048 && "usb" in tags`.
type restrictionEvaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

func newRestrictionEvaluator() *restrictionEvaluator {
	return &restrictionEvaluator{compiled: make(map[string]*vm.Program)}
}

// Matches evaluates the restriction against a device. An empty restriction
// matches everything. Evaluation errors count as non-matches so a broken
// restriction cannot claim hardware it did not mean to.
func (e *restrictionEvaluator) Matches(restriction string, d *types.Device) (bool, error) {
	if restriction == "" {
		return true, nil
	}
	prog, err := e.compile(restriction)
	if err != nil {
		return false, err
	}
	env := map[string]any{
		"device_type": d.DeviceType,
		"tags":        d.Tags,
		"worker":      d.WorkerID,
	}
	for k, v := range d.Attributes {
		env[k] = v
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate restriction: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("restriction %q is not boolean", restriction)
	}
	return b, nil
}

func (e *restrictionEvaluator) compile(restriction string) (*vm.Program, error) {
	if len(restriction) > maxRestrictionLength {
		return nil, fmt.Errorf("restriction exceeds %d bytes", maxRestrictionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[restriction]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(restriction, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile restriction: %w", err)
	}

	e.mu.Lock()
	e.compiled[restriction] = prog
	e.mu.Unlock()
	return prog, nil
}
