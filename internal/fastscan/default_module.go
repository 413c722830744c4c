package fastscan

import "fmt"

// Memory layout of the default module.
const (
	histogramAddr = 0    // 256 x 8-byte counters
	scoreAddr     = 4096 // running score in per-mille
	histogramSpan = 64 << 10
)

type tokenRule struct {
	rule   string
	token  string
	weight int64
}

// defaultTokens are byte sequences that rarely appear in benign downloads.
// Weights are per-mille and summed; the final score is clamped to 1000.
var defaultTokens = []tokenRule{
	{"reverse_shell_dev_tcp", "/dev/tcp/", 400},
	{"netcat_exec", "nc -e ", 350},
	{"powershell_encoded", "-EncodedCommand", 350},
	{"pipe_to_shell", "| sh", 200},
	{"pipe_to_bash", "| bash", 200},
	{"crypto_miner_stratum", "stratum+tcp://", 450},
	{"ld_preload_hijack", "LD_PRELOAD", 250},
	{"cron_persistence", "/etc/cron", 200},
	{"ssh_key_persistence", ".ssh/authorized_keys", 300},
	{"base64_decode_exec", "base64 -d", 150},
	{"virtual_alloc", "VirtualAlloc", 200},
	{"write_process_memory", "WriteProcessMemory", 350},
	{"create_remote_thread", "CreateRemoteThread", 350},
	{"docker_socket", "/var/run/docker.sock", 300},
	{"shadow_file", "/etc/shadow", 250},
	{"js_eval_atob", "eval(atob(", 300},
}

// DefaultModule returns the built-in analysis module: executable header
// checks, suspicious token search and a byte-diversity test over the first
// 64KiB.
func DefaultModule() *Module {
	m := &Module{
		Name:         "vetbox-default",
		InitialPages: 1,
		Rules:        []string{"pe_header", "elf_header", "high_entropy"},
	}
	const (
		rulePE = iota
		ruleELF
		ruleEntropy
	)
	const addScore = 1

	const (
		li = iota // loop index
		ln        // bytes to histogram
		ld        // distinct byte values seen
		la        // scratch address
		numLocals
	)

	a := NewAssembler()

	prefix(a, []byte("MZ"), "no_pe")
	a.Push(150).Index(OpCall, addScore).Index(OpMatch, rulePE)
	a.Label("no_pe")

	prefix(a, []byte("\x7fELF"), "no_elf")
	a.Push(100).Index(OpCall, addScore).Index(OpMatch, ruleELF)
	a.Label("no_elf")

	for i, t := range defaultTokens {
		m.Consts = append(m.Consts, []byte(t.token))
		m.Rules = append(m.Rules, t.rule)
		skip := fmt.Sprintf("tok_%d", i)
		a.Push(0).Index(OpFind, uint16(i)).Push(0).Op(OpLt).Jump(OpJnz, skip)
		a.Push(t.weight).Index(OpCall, addScore).Index(OpMatch, uint16(len(m.Rules)-1))
		a.Label(skip)
	}

	// n = min(len, histogramSpan)
	a.Op(OpInLen).Set(ln)
	a.Get(ln).Push(histogramSpan).Op(OpGt).Jump(OpJz, "n_ok")
	a.Push(histogramSpan).Set(ln)
	a.Label("n_ok")

	a.Push(0).Set(li)
	a.Label("hist")
	a.Get(li).Get(ln).Op(OpLt).Jump(OpJz, "hist_done")
	a.Get(li).Op(OpInByte).Push(3).Op(OpShl).Push(histogramAddr).Op(OpAdd).Set(la)
	a.Get(la).Op(OpMemLoad).Jump(OpJnz, "seen")
	a.Get(ld).Push(1).Op(OpAdd).Set(ld)
	a.Label("seen")
	a.Get(la).Get(la).Op(OpMemLoad).Push(1).Op(OpAdd).Op(OpMemStore)
	a.Get(li).Push(1).Op(OpAdd).Set(li)
	a.Jump(OpJmp, "hist")
	a.Label("hist_done")

	a.Get(ln).Push(1023).Op(OpGt).Get(ld).Push(239).Op(OpGt).Op(OpAnd).Jump(OpJz, "low_entropy")
	a.Push(250).Index(OpCall, addScore).Index(OpMatch, ruleEntropy)
	a.Label("low_entropy")

	a.Push(scoreAddr).Op(OpMemLoad, OpScore, OpHalt)

	// add_score(w): mem[scoreAddr] += w
	b := NewAssembler().
		Set(0).
		Push(scoreAddr).Push(scoreAddr).Op(OpMemLoad).Get(0).Op(OpAdd).Op(OpMemStore).
		Op(OpRet)

	m.Funcs = []Function{
		{Name: "main", Locals: numLocals, Code: a.MustAssemble()},
		{Name: "add_score", Locals: 1, Code: b.MustAssemble()},
	}
	return m
}

// prefix emits a check that the input starts with p, jumping to skip if not.
func prefix(a *Assembler, p []byte, skip string) {
	for i, c := range p {
		a.Push(int64(i)).Op(OpInByte).Push(int64(c)).Op(OpEq)
		if i > 0 {
			a.Op(OpAnd)
		}
	}
	a.Jump(OpJz, skip)
}
