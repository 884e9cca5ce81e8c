// Package roots implements the byte-pipeline of stackable transforms
// (spec §4.B) and a handful of concrete roots (compression, encryption,
// a policy-engine invocation seam).
package roots

import (
	"sort"
	"sync"

	"github.com/intellect4all/acorn"
)

// Pipeline is an ordered, monitor-guarded stack of roots. Registered roots
// are applied ascending by sequence on write, descending on read — the
// same shape as the teacher's page-latch manager (a mutex-guarded map of
// per-resource locks), generalized here to a mutex-guarded sorted slice.
type Pipeline struct {
	mu    sync.Mutex
	roots []acorn.Root
}

// New returns an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// List returns a snapshot of the registered roots, in ascending sequence
// order.
func (p *Pipeline) List() []acorn.Root {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]acorn.Root, len(p.roots))
	copy(out, p.roots)
	return out
}

// Add registers a root. Roots are kept sorted by ascending sequence;
// re-registering an existing name replaces it in place.
func (p *Pipeline) Add(r acorn.Root) error {
	if r == nil || r.Name() == "" {
		return acorn.ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.roots {
		if existing.Name() == r.Name() {
			p.roots[i] = r
			p.sortLocked()
			return nil
		}
	}
	p.roots = append(p.roots, r)
	p.sortLocked()
	return nil
}

// Remove unregisters a root by name. Removing an unknown name is a no-op.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.roots {
		if r.Name() == name {
			p.roots = append(p.roots[:i], p.roots[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *Pipeline) sortLocked() {
	sort.SliceStable(p.roots, func(i, j int) bool {
		return p.roots[i].Sequence() < p.roots[j].Sequence()
	})
}

// Empty reports whether no roots are registered, letting the caller skip
// the pipeline round-trip entirely (spec §4.B's optimisation rule).
func (p *Pipeline) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.roots) == 0
}

// Stash runs data through every root ascending by sequence, write-direction.
func (p *Pipeline) Stash(ctx acorn.Context, data []byte) ([]byte, error) {
	ctx.Op = acorn.OpWrite
	ordered := p.List()
	for _, r := range ordered {
		out, err := r.OnStash(ctx, data)
		if err != nil {
			return nil, &acorn.PipelineError{RootName: r.Name(), Op: "stash", Cause: err}
		}
		data = out
	}
	return data, nil
}

// Crack runs data through every root descending by sequence, read-direction.
func (p *Pipeline) Crack(ctx acorn.Context, data []byte) ([]byte, error) {
	ctx.Op = acorn.OpRead
	ordered := p.List()
	for i := len(ordered) - 1; i >= 0; i-- {
		r := ordered[i]
		out, err := r.OnCrack(ctx, data)
		if err != nil {
			return nil, &acorn.PipelineError{RootName: r.Name(), Op: "crack", Cause: err}
		}
		data = out
	}
	return data, nil
}
