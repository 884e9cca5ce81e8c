package roots

import "github.com/intellect4all/acorn"

// PolicyEnforcer is the seam to an external policy engine (spec §1: "the
// policy engine itself" is out of scope — this package only specifies
// how the pipeline invokes it). A nil PolicyEnforcer always allows.
type PolicyEnforcer interface {
	// Check inspects the operation and may veto it by returning an error.
	// The returned error is surfaced to the caller wrapped in a
	// *acorn.PipelineError.
	Check(ctx acorn.Context, data []byte) error
}

// PolicyRoot enforces an external policy without transforming bytes: it is
// a pass-through root whose OnStash/OnCrack call Check and either veto or
// forward the data unchanged.
type PolicyRoot struct {
	seq     int
	enforce PolicyEnforcer
}

// NewPolicyRoot returns a PolicyRoot registered at the given sequence.
func NewPolicyRoot(sequence int, enforce PolicyEnforcer) *PolicyRoot {
	return &PolicyRoot{seq: sequence, enforce: enforce}
}

func (p *PolicyRoot) Name() string  { return "policy" }
func (p *PolicyRoot) Sequence() int { return p.seq }

func (p *PolicyRoot) OnStash(ctx acorn.Context, data []byte) ([]byte, error) {
	if p.enforce == nil {
		return data, nil
	}
	if err := p.enforce.Check(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *PolicyRoot) OnCrack(ctx acorn.Context, data []byte) ([]byte, error) {
	if p.enforce == nil {
		return data, nil
	}
	if err := p.enforce.Check(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}
