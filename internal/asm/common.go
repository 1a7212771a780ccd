// Package asm holds the architecture-neutral pieces of the guest code
// assembler: fragments, labels and the emitted program image.
package asm

import (
	"fmt"
)

// Variable names a machine register in an architecture package.
type Variable int

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type rawBytes []byte

// Bytes emits data verbatim at the current position.
func Bytes(data []byte) Fragment {
	return rawBytes(append([]byte(nil), data...))
}

func (b rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(b)
	return nil
}

// Program is a flat image meant to be loaded at Origin. Label addresses are
// absolute guest addresses.
type Program struct {
	code   []byte
	origin uint64
	labels map[Label]uint64
}

func NewProgram(code []byte, origin uint64, labels map[Label]uint64) Program {
	copied := make(map[Label]uint64, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		origin: origin,
		labels: copied,
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Origin() uint64 { return p.origin }

func (p Program) End() uint64 { return p.origin + uint64(len(p.code)) }

// Address returns the absolute address of label.
func (p Program) Address(label Label) (uint64, bool) {
	addr, ok := p.labels[label]
	return addr, ok
}
