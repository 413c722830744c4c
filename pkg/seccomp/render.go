package seccomp

import (
	"encoding/json"
	"fmt"

	libbpf "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DockerProfileJSON renders TracerProfile for `docker run --security-opt
// seccomp=<file>`. Docker reads the same field names as runtime-spec.
func DockerProfileJSON() ([]byte, error) {
	return ProfileJSON(TracerProfile())
}

// ProfileJSON renders any profile in Docker/OCI JSON form.
func ProfileJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}

var bpfActions = map[specs.LinuxSeccompAction]libbpf.Action{
	specs.ActAllow:       libbpf.ActionAllow,
	specs.ActErrno:       libbpf.ActionErrno,
	specs.ActKill:        libbpf.ActionKillThread,
	specs.ActKillThread:  libbpf.ActionKillThread,
	specs.ActKillProcess: libbpf.ActionKillProcess,
	specs.ActTrap:        libbpf.ActionTrap,
	specs.ActTrace:       libbpf.ActionTrace,
	specs.ActLog:         libbpf.ActionLog,
}

// BPFPolicy converts p for the current architecture. Names the kernel does
// not know on this architecture (open, stat on arm64) are dropped, as are
// rules with argument conditions.
func BPFPolicy(p *specs.LinuxSeccomp) (libbpf.Policy, error) {
	info, err := arch.GetInfo("")
	if err != nil {
		return libbpf.Policy{}, fmt.Errorf("seccomp arch: %w", err)
	}
	def, ok := bpfActions[p.DefaultAction]
	if !ok {
		return libbpf.Policy{}, fmt.Errorf("unsupported default action %q", p.DefaultAction)
	}

	policy := libbpf.Policy{DefaultAction: def}
	for _, rule := range p.Syscalls {
		if len(rule.Args) > 0 {
			continue
		}
		act, ok := bpfActions[rule.Action]
		if !ok {
			return libbpf.Policy{}, fmt.Errorf("unsupported action %q", rule.Action)
		}
		names := make([]string, 0, len(rule.Names))
		for _, n := range rule.Names {
			if _, known := info.SyscallNames[n]; known {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			continue
		}
		policy.Syscalls = append(policy.Syscalls, libbpf.SyscallGroup{Names: names, Action: act})
	}
	return policy, nil
}

// Load installs p on the calling thread group with no_new_privs set. It is
// called by the sandbox init helper right before exec.
func Load(p *specs.LinuxSeccomp) error {
	policy, err := BPFPolicy(p)
	if err != nil {
		return err
	}
	return libbpf.LoadFilter(libbpf.Filter{
		NoNewPrivs: true,
		Flag:       libbpf.FilterFlagTSync,
		Policy:     policy,
	})
}
