package fastscan

// Opcode is a single analysis-module instruction. Operands follow the opcode
// byte in little-endian order; their width is given by operandWidth.
type Opcode byte

const (
	OpNop Opcode = iota
	OpHalt
	OpPush // i64 immediate
	OpPop
	OpDup
	OpSwap

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpLt
	OpGt
	OpNot

	OpInLen
	OpInByte
	OpFind // u16 constant index

	OpMemLoad
	OpMemStore
	OpMemSize
	OpMemGrow

	OpLocalGet // u16 local index
	OpLocalSet // u16 local index

	OpJmp  // u32 code offset
	OpJz   // u32 code offset
	OpJnz  // u32 code offset
	OpCall // u16 function index
	OpRet

	OpMatch // u16 rule index
	OpScore

	opMax
)

var opNames = [...]string{
	OpNop:      "nop",
	OpHalt:     "halt",
	OpPush:     "push",
	OpPop:      "pop",
	OpDup:      "dup",
	OpSwap:     "swap",
	OpAdd:      "add",
	OpSub:      "sub",
	OpMul:      "mul",
	OpDiv:      "div",
	OpMod:      "mod",
	OpAnd:      "and",
	OpOr:       "or",
	OpXor:      "xor",
	OpShl:      "shl",
	OpShr:      "shr",
	OpEq:       "eq",
	OpLt:       "lt",
	OpGt:       "gt",
	OpNot:      "not",
	OpInLen:    "in.len",
	OpInByte:   "in.byte",
	OpFind:     "in.find",
	OpMemLoad:  "mem.load",
	OpMemStore: "mem.store",
	OpMemSize:  "mem.size",
	OpMemGrow:  "mem.grow",
	OpLocalGet: "local.get",
	OpLocalSet: "local.set",
	OpJmp:      "jmp",
	OpJz:       "jz",
	OpJnz:      "jnz",
	OpCall:     "call",
	OpRet:      "ret",
	OpMatch:    "match",
	OpScore:    "score",
}

func (o Opcode) String() string {
	if o < opMax {
		return opNames[o]
	}
	return "invalid"
}

// operandWidth returns the number of immediate bytes following the opcode.
func operandWidth(o Opcode) int {
	switch o {
	case OpPush:
		return 8
	case OpJmp, OpJz, OpJnz:
		return 4
	case OpFind, OpLocalGet, OpLocalSet, OpCall, OpMatch:
		return 2
	default:
		return 0
	}
}
