package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"sendfile", "copy_file_range", "splice",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mremap",
			"madvise", "mlock", "munlock", "msync",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "fork", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"rt_sigtimedwait", "sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"alarm", "setitimer", "getitimer",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "getpgid", "setpgid", "setsid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"capget",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "setrlimit", "prlimit64", "getrusage",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chown", "fchown", "fchownat", "lchown",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"truncate", "ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"utimensat", "futimesat",
		)
}

// networkSyscalls: the sample runs in an empty network namespace, so
// connects fail at the network layer. Setting up a socket is observed.
func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		LogSyscalls(
			"socket", "connect", "bind", "listen", "accept", "accept4",
		).
		AllowSyscalls(
			"socketpair",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
			"getsockopt", "setsockopt",
			"getsockname", "getpeername",
			"shutdown",
		)
}

// observedSyscalls run but are logged by the kernel: primitives droppers
// use for fileless execution, shellcode, privilege changes and signalling
// other processes.
func observedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.LogSyscalls(
		"memfd_create", "mprotect",
		"setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid",
		"capset",
		"kill", "tkill", "tgkill",
	)
}

// hostAffectingSyscalls are denied with EPERM. Injection primitives are
// included so the attempt is recorded without succeeding.
func hostAffectingSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		BlockSyscalls(
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"ioperm", "iopl",
		).
		KillSyscalls(
			"reboot",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		)
}

// personalityQueries allows personality(PER_LINUX) and the 0xffffffff
// query that libc issues; any other persona falls to the default errno.
// BPF rendering drops argument rules, so the native child denies all.
func personalityQueries(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscallWithArgs("personality", []SyscallArg{{Index: 0, Value: 0, Op: specs.OpEqualTo}}).
		AllowSyscallWithArgs("personality", []SyscallArg{{Index: 0, Value: 0xffffffff, Op: specs.OpEqualTo}})
}

// DefaultProfile is the Tier-2 detonation profile. Calls fall in three
// classes: allowed, observed (allowed and logged) and refused, where
// refused is EPERM for host-affecting calls and a process kill for the
// ones no sample has a reason to make.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = networkSyscalls(b)
	b = observedSyscalls(b)
	b = hostAffectingSyscalls(b)
	b = personalityQueries(b)
	b = b.BlockSyscalls("ptrace")
	return b.Build()
}

// TracerProfile is DefaultProfile with ptrace allowed. Container backends
// run strace inside the container, under the container's filter.
func TracerProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = networkSyscalls(b)
	b = observedSyscalls(b)
	b = hostAffectingSyscalls(b)
	b = personalityQueries(b)
	b = b.AllowSyscalls("ptrace")
	return b.Build()
}
