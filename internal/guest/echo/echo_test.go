package echo

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/minihv/internal/guest/driver"
)

func TestBuild(t *testing.T) {
	prog, err := Build(Config{Message: []byte("hello"), Offset: 510, MemorySize: 2 << 20})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if prog.Origin() != 0 {
		t.Fatalf("origin = 0x%x", prog.Origin())
	}

	msg, ok := prog.Address("echo_message")
	if !ok {
		t.Fatalf("message label missing")
	}
	code := prog.Bytes()
	if !bytes.Equal(code[msg:msg+5], []byte("hello")) {
		t.Fatalf("message bytes = %q", code[msg:msg+5])
	}
	if _, ok := prog.Address(driver.LabelTransfer); !ok {
		t.Fatalf("driver routines missing")
	}

	// The entry sequence decodes up to the driver routines.
	setup, _ := prog.Address(driver.LabelSetup)
	for pc := 0; pc < int(setup); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil {
			t.Fatalf("decode at 0x%x: %v", pc, err)
		}
		pc += inst.Len
	}
}

func TestBuildErrors(t *testing.T) {
	for name, cfg := range map[string]Config{
		"empty message":   {MemorySize: 2 << 20},
		"long message":    {Message: make([]byte, MaxMessage+1), MemorySize: 2 << 20},
		"huge offset":     {Message: []byte("x"), Offset: 1 << 63, MemorySize: 2 << 20},
		"no memory":       {Message: []byte("x")},
		"heap under code": {Message: []byte("x"), HeapStart: 0x10, MemorySize: 2 << 20},
	} {
		if _, err := Build(cfg); err == nil {
			t.Errorf("%s: Build succeeded", name)
		}
	}
}
