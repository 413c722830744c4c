package fastscan

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// checkInterval is how many instructions run between deadline checks.
const checkInterval = 1024

// limits are the ceilings one run is held to. All of them are enforced at
// the same time; whichever trips first ends the run.
type limits struct {
	fuel       uint64
	maxMemory  uint64
	maxDepth   int
	stackSlots int
	maxMatches int
	deadline   time.Time
}

type frame struct {
	fn     int
	pc     int
	locals []int64
}

type machine struct {
	mod    *Module
	input  []byte
	lim    limits
	mem    []byte
	stack  []int64
	frames []frame

	used    uint64
	peak    uint64
	score   int64
	matched []int
	seen    map[int]bool
}

// execution is what a run leaves behind, including after a trap.
type execution struct {
	score    int64
	matched  []int
	fuelUsed uint64
	peakMem  uint64
}

func newMachine(mod *Module, input []byte, lim limits) (*machine, error) {
	initial := uint64(mod.InitialPages) * PageSize
	if initial > lim.maxMemory {
		return nil, fmt.Errorf("%w: module wants %d initial bytes, budget allows %d", ErrSetupFailed, initial, lim.maxMemory)
	}
	return &machine{
		mod:   mod,
		input: input,
		lim:   lim,
		mem:   make([]byte, initial),
		stack: make([]int64, 0, min(lim.stackSlots, 1024)),
		seen:  make(map[int]bool),
		peak:  initial,
	}, nil
}

func (m *machine) result() execution {
	return execution{score: m.score, matched: m.matched, fuelUsed: m.used, peakMem: m.peak}
}

func (m *machine) push(v int64) error {
	if len(m.stack) >= m.lim.stackSlots {
		return fmt.Errorf("%w: operand stack exceeds %d slots", ErrStackOverflow, m.lim.stackSlots)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *machine) pop() (int64, error) {
	n := len(m.stack)
	if n == 0 {
		return 0, fmt.Errorf("%w: operand stack underflow", ErrFault)
	}
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v, nil
}

func (m *machine) pop2() (a, b int64, err error) {
	if b, err = m.pop(); err != nil {
		return
	}
	a, err = m.pop()
	return
}

func (m *machine) call(fn int) error {
	if len(m.frames) >= m.lim.maxDepth {
		return fmt.Errorf("%w: call depth exceeds %d", ErrStackOverflow, m.lim.maxDepth)
	}
	locals := int(m.mod.Funcs[fn].Locals)
	// locals live on the operand stack budget too
	if len(m.stack)+locals > m.lim.stackSlots {
		return fmt.Errorf("%w: locals exceed %d slots", ErrStackOverflow, m.lim.stackSlots)
	}
	m.frames = append(m.frames, frame{fn: fn, locals: make([]int64, locals)})
	return nil
}

func (m *machine) burn(n uint64) error {
	m.used += n
	if m.used > m.lim.fuel {
		return fmt.Errorf("%w: used %d of %d", ErrFuelExhausted, m.used, m.lim.fuel)
	}
	return nil
}

func (m *machine) memAddr(addr int64) (int, error) {
	if addr < 0 || uint64(addr)+8 > uint64(len(m.mem)) {
		return 0, fmt.Errorf("%w: memory access at %d out of bounds (%d bytes)", ErrFault, addr, len(m.mem))
	}
	return int(addr), nil
}

func (m *machine) grow(delta int64) (int64, error) {
	old := int64(len(m.mem) / PageSize)
	if delta < 0 {
		return 0, fmt.Errorf("%w: negative mem.grow %d", ErrFault, delta)
	}
	next := uint64(len(m.mem)) + uint64(delta)*PageSize
	if next > m.lim.maxMemory || uint64(delta) > m.lim.maxMemory/PageSize {
		return 0, fmt.Errorf("%w: growing to %d bytes exceeds %d", ErrMemoryExhausted, next, m.lim.maxMemory)
	}
	if delta > 0 {
		m.mem = append(m.mem, make([]byte, int(delta)*PageSize)...)
		m.peak = max(m.peak, uint64(len(m.mem)))
	}
	return old, nil
}

func (m *machine) match(rule int) error {
	if m.seen[rule] {
		return nil
	}
	if len(m.matched) >= m.lim.maxMatches {
		return fmt.Errorf("%w: rule table full at %d entries", ErrMemoryExhausted, m.lim.maxMatches)
	}
	m.seen[rule] = true
	m.matched = append(m.matched, rule)
	return nil
}

func (m *machine) find(c int, start int64) int64 {
	if start < 0 || start > int64(len(m.input)) {
		return -1
	}
	i := bytes.Index(m.input[start:], m.mod.Consts[c])
	if i < 0 {
		return -1
	}
	return start + int64(i)
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// run executes the entry function until halt, return from the entry frame,
// or a trap.
func (m *machine) run(ctx context.Context) (err error) {
	if err := m.call(0); err != nil {
		return err
	}

	var tick int
	for len(m.frames) > 0 {
		fr := &m.frames[len(m.frames)-1]
		code := m.mod.Funcs[fr.fn].Code
		if fr.pc >= len(code) {
			m.frames = m.frames[:len(m.frames)-1]
			continue
		}

		tick++
		if tick == checkInterval {
			tick = 0
			if !m.lim.deadline.IsZero() && time.Now().After(m.lim.deadline) {
				return fmt.Errorf("%w after %d instructions", ErrDeadline, m.used)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := m.burn(1); err != nil {
			return err
		}

		op := Opcode(code[fr.pc])
		imm := code[fr.pc+1 : fr.pc+1+operandWidth(op)]
		fr.pc += 1 + len(imm)

		switch op {
		case OpNop:
		case OpHalt:
			return nil

		case OpPush:
			err = m.push(int64(binary.LittleEndian.Uint64(imm)))
		case OpPop:
			_, err = m.pop()
		case OpDup:
			var v int64
			if v, err = m.pop(); err == nil {
				m.stack = append(m.stack, v)
				err = m.push(v)
			}
		case OpSwap:
			var a, b int64
			if a, b, err = m.pop2(); err == nil {
				m.stack = append(m.stack, b, a)
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpShl, OpShr, OpEq, OpLt, OpGt:
			var a, b int64
			if a, b, err = m.pop2(); err != nil {
				break
			}
			var r int64
			if r, err = binop(op, a, b); err == nil {
				m.stack = append(m.stack, r)
			}
		case OpNot:
			var v int64
			if v, err = m.pop(); err == nil {
				m.stack = append(m.stack, b2i(v == 0))
			}

		case OpInLen:
			err = m.push(int64(len(m.input)))
		case OpInByte:
			var i int64
			if i, err = m.pop(); err == nil {
				v := int64(-1)
				if i >= 0 && i < int64(len(m.input)) {
					v = int64(m.input[i])
				}
				m.stack = append(m.stack, v)
			}
		case OpFind:
			var start int64
			if start, err = m.pop(); err != nil {
				break
			}
			if start >= 0 && start < int64(len(m.input)) {
				if err = m.burn(uint64(len(m.input)-int(start)) / 64); err != nil {
					break
				}
			}
			m.stack = append(m.stack, m.find(int(binary.LittleEndian.Uint16(imm)), start))

		case OpMemLoad:
			var addr int64
			var at int
			if addr, err = m.pop(); err != nil {
				break
			}
			if at, err = m.memAddr(addr); err == nil {
				m.stack = append(m.stack, int64(binary.LittleEndian.Uint64(m.mem[at:])))
			}
		case OpMemStore:
			var addr, v int64
			var at int
			if addr, v, err = m.pop2(); err != nil {
				break
			}
			if at, err = m.memAddr(addr); err == nil {
				binary.LittleEndian.PutUint64(m.mem[at:], uint64(v))
			}
		case OpMemSize:
			err = m.push(int64(len(m.mem) / PageSize))
		case OpMemGrow:
			var delta, old int64
			if delta, err = m.pop(); err != nil {
				break
			}
			if old, err = m.grow(delta); err == nil {
				m.stack = append(m.stack, old)
			}

		case OpLocalGet:
			err = m.push(fr.locals[binary.LittleEndian.Uint16(imm)])
		case OpLocalSet:
			var v int64
			if v, err = m.pop(); err == nil {
				fr.locals[binary.LittleEndian.Uint16(imm)] = v
			}

		case OpJmp:
			fr.pc = int(binary.LittleEndian.Uint32(imm))
		case OpJz, OpJnz:
			var v int64
			if v, err = m.pop(); err != nil {
				break
			}
			if (v == 0) == (op == OpJz) {
				fr.pc = int(binary.LittleEndian.Uint32(imm))
			}
		case OpCall:
			err = m.call(int(binary.LittleEndian.Uint16(imm)))
		case OpRet:
			m.frames = m.frames[:len(m.frames)-1]

		case OpMatch:
			err = m.match(int(binary.LittleEndian.Uint16(imm)))
		case OpScore:
			var v int64
			if v, err = m.pop(); err == nil {
				m.score = min(max(v, 0), 1000)
			}

		default:
			err = fmt.Errorf("%w: invalid opcode 0x%02x", ErrFault, byte(op))
		}

		if err != nil {
			return err
		}
	}
	return nil
}

func binop(op Opcode, a, b int64) (int64, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv, OpMod:
		if b == 0 {
			return 0, fmt.Errorf("%w: integer division by zero", ErrFault)
		}
		if op == OpDiv {
			return a / b, nil
		}
		return a % b, nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	case OpShl:
		return a << (uint64(b) & 63), nil
	case OpShr:
		return int64(uint64(a) >> (uint64(b) & 63)), nil
	case OpEq:
		return b2i(a == b), nil
	case OpLt:
		return b2i(a < b), nil
	case OpGt:
		return b2i(a > b), nil
	}
	return 0, fmt.Errorf("%w: %s is not a binary operator", ErrFault, op)
}
