package fastscan

import (
	"encoding/binary"
	"fmt"
)

// Assembler builds the code of one function with symbolic labels.
type Assembler struct {
	code   []byte
	labels map[string]uint32
	fixups []fixup
}

type fixup struct {
	at    int
	label string
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]uint32)}
}

// Op emits an instruction without operands.
func (a *Assembler) Op(ops ...Opcode) *Assembler {
	for _, op := range ops {
		a.code = append(a.code, byte(op))
	}
	return a
}

// Push emits an immediate push.
func (a *Assembler) Push(v int64) *Assembler {
	a.code = append(a.code, byte(OpPush))
	a.code = binary.LittleEndian.AppendUint64(a.code, uint64(v))
	return a
}

// Index emits an instruction with a 16-bit operand (find, local.get/set, call, match).
func (a *Assembler) Index(op Opcode, idx uint16) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint16(a.code, idx)
	return a
}

// Get is shorthand for local.get.
func (a *Assembler) Get(local uint16) *Assembler { return a.Index(OpLocalGet, local) }

// Set is shorthand for local.set.
func (a *Assembler) Set(local uint16) *Assembler { return a.Index(OpLocalSet, local) }

// Jump emits a jmp/jz/jnz to label, resolved at Assemble.
func (a *Assembler) Jump(op Opcode, label string) *Assembler {
	a.code = append(a.code, byte(op))
	a.fixups = append(a.fixups, fixup{at: len(a.code), label: label})
	a.code = append(a.code, 0, 0, 0, 0)
	return a
}

// Label marks the current position.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = uint32(len(a.code))
	return a
}

// Assemble resolves labels and returns the code.
func (a *Assembler) Assemble() ([]byte, error) {
	out := make([]byte, len(a.code))
	copy(out, a.code)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		binary.LittleEndian.PutUint32(out[f.at:], target)
	}
	return out, nil
}

// MustAssemble is Assemble for code built from constants.
func (a *Assembler) MustAssemble() []byte {
	code, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return code
}
