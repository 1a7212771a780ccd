// Package amd64 assembles 64-bit guest code from fragments. Programs are
// flat images with every label resolved to an absolute guest address.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/minihv/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type jump struct {
	label asm.Label
	kind  jumpKind
}

type call struct {
	label asm.Label
}

type ret struct{}

type loadLabel struct {
	dst   Reg
	label asm.Label
}

func Ret() asm.Fragment {
	return &ret{}
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAlways}
}

func JumpIfZero(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpEqual}
}

func JumpIfNotEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpNotEqual}
}

func JumpIfNotZero(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpNotZero}
}

func JumpIfAboveOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAboveOrEqual}
}

func JumpIfBelowOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpBelowOrEqual}
}

func JumpIfEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpEqual}
}

func JumpIfAbove(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAbove}
}

func Call(label asm.Label) asm.Fragment {
	return &call{label: label}
}

// LoadLabelAddress moves the absolute address of label into dst.
func LoadLabelAddress(dst Reg, label asm.Label) asm.Fragment {
	return &loadLabel{dst: dst, label: label}
}

func (r *ret) Emit(ctx asm.Context) error {
	ctx.EmitBytes(encodeRet())
	return nil
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("jump requires an amd64 context, got %T", _ctx)
	}
	pos := ctx.emitJump(j.kind)
	ctx.jumps = append(ctx.jumps, labelPatch{label: j.label, pos: pos})
	return nil
}

func (c *call) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("call requires an amd64 context, got %T", _ctx)
	}
	ctx.EmitBytes([]byte{0xE8, 0, 0, 0, 0})
	ctx.jumps = append(ctx.jumps, labelPatch{label: c.label, pos: len(ctx.text) - 4})
	return nil
}

func (l *loadLabel) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("label address requires an amd64 context, got %T", _ctx)
	}
	if l.dst.size != size64 {
		return fmt.Errorf("label address requires 64-bit register")
	}
	bytes, err := encodeMovRegImm(l.dst, 0)
	if err != nil {
		return err
	}
	ctx.EmitBytes(bytes)
	ctx.addrs = append(ctx.addrs, labelPatch{label: l.label, pos: len(ctx.text) - 8})
	return nil
}

// EmitProgram assembles fragment for loading at address zero.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	return EmitProgramAt(0, fragment)
}

// EmitProgramAt assembles fragment for loading at origin.
func EmitProgramAt(origin uint64, fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext(origin)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

// MustEmit is EmitProgram for fixed programs built at init time.
func MustEmit(fragment asm.Fragment) asm.Program {
	prog, err := EmitProgram(fragment)
	if err != nil {
		panic(fmt.Sprintf("amd64 asm: %v", err))
	}
	return prog
}

type Context struct {
	origin uint64
	text   []byte
	labels map[asm.Label]int
	jumps  []labelPatch
	addrs  []labelPatch
}

// labelPatch is a 32-bit relative displacement (jumps, calls) or a 64-bit
// absolute address (addrs) waiting for its label.
type labelPatch struct {
	label asm.Label
	pos   int
}

type jumpKind int

const (
	jumpAlways jumpKind = iota
	jumpEqual
	jumpNotEqual
	jumpNotZero
	jumpAboveOrEqual
	jumpBelowOrEqual
	jumpAbove
)

var jumpOpcodes = map[jumpKind][]byte{
	jumpAlways:       {0xE9},
	jumpEqual:        {0x0F, 0x84},
	jumpNotEqual:     {0x0F, 0x85},
	jumpNotZero:      {0x0F, 0x85},
	jumpAboveOrEqual: {0x0F, 0x83},
	jumpBelowOrEqual: {0x0F, 0x86},
	jumpAbove:        {0x0F, 0x87},
}

func newContext(origin uint64) *Context {
	return &Context{
		origin: origin,
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) emitJump(kind jumpKind) int {
	opcode, ok := jumpOpcodes[kind]
	if !ok {
		panic(fmt.Sprintf("unsupported jump kind %d", kind))
	}
	c.text = append(c.text, opcode...)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("branch to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}

	for _, a := range c.addrs {
		target, ok := c.labels[a.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", a.label)
		}
		binary.LittleEndian.PutUint64(c.text[a.pos:a.pos+8], c.origin+uint64(target))
	}

	labels := make(map[asm.Label]uint64, len(c.labels))
	for label, off := range c.labels {
		labels[label] = c.origin + uint64(off)
	}
	return asm.NewProgram(c.text, c.origin, labels), nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0, high: false}, nil
	case RBX:
		return registerCode{code: 3, high: false}, nil
	case RCX:
		return registerCode{code: 1, high: false}, nil
	case RDX:
		return registerCode{code: 2, high: false}, nil
	case RSI:
		return registerCode{code: 6, high: false, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, high: false, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, high: false, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, high: false, needsRex: true}, nil
	case R8:
		return registerCode{code: 0, high: true, needsRex: true}, nil
	case R9:
		return registerCode{code: 1, high: true, needsRex: true}, nil
	case R10:
		return registerCode{code: 2, high: true, needsRex: true}, nil
	case R11:
		return registerCode{code: 3, high: true, needsRex: true}, nil
	case R12:
		return registerCode{code: 4, high: true, needsRex: true}, nil
	case R13:
		return registerCode{code: 5, high: true, needsRex: true}, nil
	case R14:
		return registerCode{code: 6, high: true, needsRex: true}, nil
	case R15:
		return registerCode{code: 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}
