package workitem

import (
	"context"
	"errors"
	"testing"
)

func nop() WorkItem {
	return Func(func(context.Context, string) (Result, error) { return Result{Output: "x"}, nil })
}

func TestRegisterAndLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(" Extract-Audio ", nop(), Descriptor{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup("extract-audio"); !ok {
		t.Fatal("Lookup(extract-audio) not found")
	}
	if _, ok := r.Lookup("EXTRACT-AUDIO"); !ok {
		t.Fatal("Lookup is case sensitive")
	}
	if _, ok := r.Lookup("NoSuchOp"); ok {
		t.Fatal("Lookup(NoSuchOp) should miss")
	}
}

func TestRegisterRejects(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister("reverse", nop(), Descriptor{})

	tests := []struct {
		name string
		kind string
		item WorkItem
		desc Descriptor
		want error
	}{
		{"empty kind", "  ", nop(), Descriptor{}, ErrEmptyKind},
		{"nil item", "frame", nil, Descriptor{}, ErrNilWorkItem},
		{"duplicate", "REVERSE", nop(), Descriptor{}, ErrDuplicateKind},
		{"bad pattern", "frame", nop(), Descriptor{Accepts: []string{"*.{mp4"}}, ErrBadPattern},
	}
	for _, tt := range tests {
		if err := r.Register(tt.kind, tt.item, tt.desc); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if got := r.Kinds(); len(got) != 1 || got[0] != "reverse" {
		t.Fatalf("Kinds = %v", got)
	}
}

func TestAccepting(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister("extract-audio", nop(), Descriptor{Accepts: []string{"*.{mp4,mkv,mov}"}})
	r.MustRegister("transcribe", nop(), Descriptor{Accepts: []string{"*.{mp3,wav,m4a}", "*.mp4"}})
	r.MustRegister("anything", nop(), Descriptor{})

	kinds := func(ds []Descriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Kind)
		}
		return out
	}

	tests := []struct {
		input string
		want  []string
	}{
		{"/home/u/Videos/Clip.MP4", []string{"anything", "extract-audio", "transcribe"}},
		{`C:\media\talk.wav`, []string{"anything", "transcribe"}},
		{"notes.txt", []string{"anything"}},
	}
	for _, tt := range tests {
		got := kinds(r.Accepting(tt.input))
		if len(got) != len(tt.want) {
			t.Fatalf("Accepting(%q) = %v, want %v", tt.input, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Accepting(%q) = %v, want %v", tt.input, got, tt.want)
			}
		}
	}
}
