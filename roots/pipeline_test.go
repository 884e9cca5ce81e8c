package roots

import (
	"bytes"
	"errors"
	"testing"

	"github.com/intellect4all/acorn"
)

// orderRoot records the order in which it was invoked, to assert the
// ascending-on-write / descending-on-read rule (spec §4.B).
type orderRoot struct {
	name string
	seq  int
	log  *[]string
}

func (r *orderRoot) Name() string  { return r.name }
func (r *orderRoot) Sequence() int { return r.seq }

func (r *orderRoot) OnStash(_ acorn.Context, data []byte) ([]byte, error) {
	*r.log = append(*r.log, "stash:"+r.name)
	return append(data, byte(len(r.name))), nil
}

func (r *orderRoot) OnCrack(_ acorn.Context, data []byte) ([]byte, error) {
	*r.log = append(*r.log, "crack:"+r.name)
	return data[:len(data)-1], nil
}

func TestPipelineEmptySkipsRoundTrip(t *testing.T) {
	p := New()
	if !p.Empty() {
		t.Fatal("new pipeline should be empty")
	}
}

func TestPipelineAppliesAscendingOnWriteDescendingOnRead(t *testing.T) {
	p := New()
	var log []string

	a := &orderRoot{name: "a", seq: 10, log: &log}
	b := &orderRoot{name: "b", seq: 20, log: &log}

	if err := p.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(a); err != nil {
		t.Fatal(err)
	}

	data := []byte("payload")
	out, err := p.Stash(acorn.Context{DocID: "k"}, data)
	if err != nil {
		t.Fatal(err)
	}

	wantWriteOrder := []string{"stash:a", "stash:b"}
	if len(log) != 2 || log[0] != wantWriteOrder[0] || log[1] != wantWriteOrder[1] {
		t.Fatalf("got write order %v, want %v", log, wantWriteOrder)
	}

	log = nil
	back, err := p.Crack(acorn.Context{DocID: "k"}, out)
	if err != nil {
		t.Fatal(err)
	}
	wantReadOrder := []string{"crack:b", "crack:a"}
	if len(log) != 2 || log[0] != wantReadOrder[0] || log[1] != wantReadOrder[1] {
		t.Fatalf("got read order %v, want %v", log, wantReadOrder)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("got %q after round-trip, want %q", back, data)
	}
}

func TestPipelineListIsSortedBySequence(t *testing.T) {
	p := New()
	var log []string
	_ = p.Add(&orderRoot{name: "late", seq: 200, log: &log})
	_ = p.Add(&orderRoot{name: "early", seq: 5, log: &log})

	list := p.List()
	if len(list) != 2 || list[0].Name() != "early" || list[1].Name() != "late" {
		t.Fatalf("got %v, want [early, late]", list)
	}
}

func TestPipelineAddReplacesByName(t *testing.T) {
	p := New()
	var log []string
	_ = p.Add(&orderRoot{name: "a", seq: 10, log: &log})
	_ = p.Add(&orderRoot{name: "a", seq: 50, log: &log})

	list := p.List()
	if len(list) != 1 || list[0].Sequence() != 50 {
		t.Fatalf("got %v, want single root at sequence 50", list)
	}
}

func TestPipelineRemoveUnknownIsNoop(t *testing.T) {
	p := New()
	if err := p.Remove("nope"); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestPipelineAddRejectsNilAndUnnamedRoot(t *testing.T) {
	p := New()
	if err := p.Add(nil); !errors.Is(err, acorn.ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
	var log []string
	if err := p.Add(&orderRoot{name: "", seq: 1, log: &log}); !errors.Is(err, acorn.ErrInvalidArgument) {
		t.Errorf("got %v for unnamed root, want ErrInvalidArgument", err)
	}
}

type vetoRoot struct{ cause error }

func (v *vetoRoot) Name() string  { return "veto" }
func (v *vetoRoot) Sequence() int { return 1 }
func (v *vetoRoot) OnStash(_ acorn.Context, _ []byte) ([]byte, error) {
	return nil, v.cause
}
func (v *vetoRoot) OnCrack(_ acorn.Context, data []byte) ([]byte, error) {
	return data, nil
}

func TestPipelineVetoSurfacesAsPipelineError(t *testing.T) {
	p := New()
	cause := errors.New("policy denied")
	_ = p.Add(&vetoRoot{cause: cause})

	_, err := p.Stash(acorn.Context{DocID: "k"}, []byte("x"))
	var pipeErr *acorn.PipelineError
	if !errors.As(err, &pipeErr) {
		t.Fatalf("got %v, want *acorn.PipelineError", err)
	}
	if pipeErr.RootName != "veto" || pipeErr.Op != "stash" {
		t.Errorf("got %+v, want RootName=veto Op=stash", pipeErr)
	}
	if !errors.Is(err, cause) {
		t.Errorf("pipeline error does not unwrap to cause")
	}
}
