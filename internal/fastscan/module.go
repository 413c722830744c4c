package fastscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PageSize is the linear memory growth unit.
const PageSize = 64 << 10

var moduleMagic = []byte("VBM\x01")

const (
	maxModuleEntries = 1 << 16
	maxFunctionCode  = 16 << 20
	maxModuleString  = 1 << 20
)

// Module is a pre-compiled analysis program. Funcs[0] is the entry point.
type Module struct {
	Name         string
	InitialPages uint32
	Consts       [][]byte
	Rules        []string
	Funcs        []Function
}

// Function is one callable unit of a module.
type Function struct {
	Name   string
	Locals uint16
	Code   []byte
}

// Validate checks that every instruction decodes, every jump lands on an
// instruction boundary inside its function, and every index is in range.
func (m *Module) Validate() error {
	if len(m.Funcs) == 0 {
		return fmt.Errorf("%w: module %q has no functions", ErrInvalidModule, m.Name)
	}
	if len(m.Funcs) > maxModuleEntries || len(m.Consts) > maxModuleEntries || len(m.Rules) > maxModuleEntries {
		return fmt.Errorf("%w: module %q exceeds table limits", ErrInvalidModule, m.Name)
	}
	for fi, fn := range m.Funcs {
		if err := m.validateFunc(fi, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) validateFunc(fi int, fn Function) error {
	if len(fn.Code) == 0 {
		return fmt.Errorf("%w: function %d (%s) is empty", ErrInvalidModule, fi, fn.Name)
	}
	boundaries := make(map[uint32]bool, len(fn.Code))
	var jumps []uint32

	for pc := 0; pc < len(fn.Code); {
		op := Opcode(fn.Code[pc])
		if op >= opMax {
			return fmt.Errorf("%w: function %s: invalid opcode 0x%02x at %d", ErrInvalidModule, fn.Name, byte(op), pc)
		}
		boundaries[uint32(pc)] = true
		w := operandWidth(op)
		if pc+1+w > len(fn.Code) {
			return fmt.Errorf("%w: function %s: truncated %s at %d", ErrInvalidModule, fn.Name, op, pc)
		}
		imm := fn.Code[pc+1 : pc+1+w]
		switch op {
		case OpJmp, OpJz, OpJnz:
			jumps = append(jumps, binary.LittleEndian.Uint32(imm))
		case OpFind:
			if int(binary.LittleEndian.Uint16(imm)) >= len(m.Consts) {
				return fmt.Errorf("%w: function %s: constant index out of range at %d", ErrInvalidModule, fn.Name, pc)
			}
		case OpLocalGet, OpLocalSet:
			if binary.LittleEndian.Uint16(imm) >= fn.Locals {
				return fmt.Errorf("%w: function %s: local index out of range at %d", ErrInvalidModule, fn.Name, pc)
			}
		case OpCall:
			if int(binary.LittleEndian.Uint16(imm)) >= len(m.Funcs) {
				return fmt.Errorf("%w: function %s: call target out of range at %d", ErrInvalidModule, fn.Name, pc)
			}
		case OpMatch:
			if int(binary.LittleEndian.Uint16(imm)) >= len(m.Rules) {
				return fmt.Errorf("%w: function %s: rule index out of range at %d", ErrInvalidModule, fn.Name, pc)
			}
		}
		pc += 1 + w
	}

	for _, target := range jumps {
		if !boundaries[target] {
			return fmt.Errorf("%w: function %s: jump to %d is not an instruction boundary", ErrInvalidModule, fn.Name, target)
		}
	}
	return nil
}

// Encode serializes the module to its binary form.
func (m *Module) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(moduleMagic)
	putUvarint(&buf, uint64(m.InitialPages))
	putBytes(&buf, []byte(m.Name))
	putUvarint(&buf, uint64(len(m.Consts)))
	for _, c := range m.Consts {
		putBytes(&buf, c)
	}
	putUvarint(&buf, uint64(len(m.Rules)))
	for _, r := range m.Rules {
		putBytes(&buf, []byte(r))
	}
	putUvarint(&buf, uint64(len(m.Funcs)))
	for _, fn := range m.Funcs {
		putBytes(&buf, []byte(fn.Name))
		putUvarint(&buf, uint64(fn.Locals))
		putBytes(&buf, fn.Code)
	}
	return buf.Bytes()
}

// Decode parses and validates a binary module.
func Decode(data []byte) (*Module, error) {
	if !bytes.HasPrefix(data, moduleMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidModule)
	}
	r := bytes.NewReader(data[len(moduleMagic):])

	pages, err := readUvarint(r, 1<<16)
	if err != nil {
		return nil, err
	}
	name, err := readBytes(r, maxModuleString)
	if err != nil {
		return nil, err
	}
	m := &Module{Name: string(name), InitialPages: uint32(pages)}

	n, err := readUvarint(r, maxModuleEntries)
	if err != nil {
		return nil, err
	}
	for range n {
		c, err := readBytes(r, maxModuleString)
		if err != nil {
			return nil, err
		}
		m.Consts = append(m.Consts, c)
	}

	n, err = readUvarint(r, maxModuleEntries)
	if err != nil {
		return nil, err
	}
	for range n {
		s, err := readBytes(r, maxModuleString)
		if err != nil {
			return nil, err
		}
		m.Rules = append(m.Rules, string(s))
	}

	n, err = readUvarint(r, maxModuleEntries)
	if err != nil {
		return nil, err
	}
	for range n {
		fname, err := readBytes(r, maxModuleString)
		if err != nil {
			return nil, err
		}
		locals, err := readUvarint(r, 1<<16-1)
		if err != nil {
			return nil, err
		}
		code, err := readBytes(r, maxFunctionCode)
		if err != nil {
			return nil, err
		}
		m.Funcs = append(m.Funcs, Function{Name: string(fname), Locals: uint16(locals), Code: code})
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidModule, r.Len())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFile reads and decodes a module from disk.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator-configured module path
	if err != nil {
		return nil, fmt.Errorf("%w: reading module: %w", ErrSetupFailed, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	return m, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readUvarint(r *bytes.Reader, limit uint64) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidModule, err)
	}
	if v > limit {
		return 0, fmt.Errorf("%w: value %d exceeds %d", ErrInvalidModule, v, limit)
	}
	return v, nil
}

func readBytes(r *bytes.Reader, limit uint64) ([]byte, error) {
	n, err := readUvarint(r, limit)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModule, io.ErrUnexpectedEOF)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModule, err)
	}
	return b, nil
}
