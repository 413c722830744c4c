package sandbox

import (
	"slices"
	"strings"
	"testing"

	"vetbox/internal/budget"
	"vetbox/internal/launcher"
	"vetbox/internal/monitor"
)

func TestBuildDockerArgs(t *testing.T) {
	d := &dockerBackend{image: "example/detonate:1", mon: monitor.NewStraceMonitor("strace")}
	spec := LaunchSpec{
		ID:         "e1",
		Workspace:  &Workspace{ID: "e1", Dir: "/scratch-root/vetbox-e1", WorkDir: "/scratch-root/vetbox-e1/work"},
		SampleName: "sample.sh",
		Launcher:   launcher.Shell{},
		Limits:     LimitsFromBudget(budget.Balanced()),
	}
	args := d.buildDockerArgs("vetbox-e1", spec, "/scratch-root/vetbox-e1/seccomp.json")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--network none",
		"--read-only",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--security-opt seccomp=/scratch-root/vetbox-e1/seccomp.json",
		"-v /scratch-root/vetbox-e1/work:/scratch:rw",
		"--user 65534:65534",
		"--label vetbox.exec=e1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}

	img := slices.Index(args, "example/detonate:1")
	if img < 0 {
		t.Fatalf("image missing from args: %v", args)
	}
	tail := strings.Join(args[img+1:], " ")
	if !strings.HasSuffix(tail, "-o /dev/fd/3 -- sh /scratch/sample.sh") {
		t.Errorf("command after image = %q, want traced shell launcher", tail)
	}
}
