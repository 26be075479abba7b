package simple

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/grs/internal/config"
	"github.com/cochaviz/grs/internal/interpret"
	"github.com/cochaviz/grs/internal/process"
)

func testNamespace(t *testing.T, script string) config.Namespace {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(`
defaults:
  libdir: %[1]s/lib/%%s
  logfile: %[1]s/log/%%s.log
  tmpdir: %[1]s/tmp/%%s
  workdir: %[1]s/tmp/%%s/work
  package: %[1]s/tmp/%%s/packages
  kernelroot: %[1]s/tmp/%%s/kernel
  portage_configroot: %[1]s/tmp/%%s/system
  pidfile: %[1]s/run/grs-%%s.pid
systems:
  - name: desktop
`, dir)
	cfg, err := config.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ns, ok := cfg.Lookup("desktop")
	if !ok {
		t.Fatal("Lookup(desktop) missing")
	}
	if err := os.MkdirAll(ns.LibDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(ns.ScriptPath(), []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return ns
}

func TestMockRunLogsScript(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "mount\n+tarit stage4\nhashit\n")
	interpreter, _, err := NewInterpreter(ns, RunOptions{Mock: true, RunID: "mock-run"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewInterpreter() error = %v", err)
	}
	if err := interpreter.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(ns.LogFile)
	if err != nil {
		t.Fatalf("read build log: %v", err)
	}
	for _, want := range []string{"run mock-run started", "+tarit stage4", "hashit"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("build log = %q, want %q", data, want)
		}
	}

	status, err := StatusOf(ns)
	if err != nil {
		t.Fatalf("StatusOf() error = %v", err)
	}
	if status.Running || status.AnyMounted || len(status.Progress.Lines) != 0 {
		t.Fatalf("StatusOf() = %+v, want an idle namespace without progress", status)
	}
}

func TestFailedCommandReachesBuildLogBeforeAbort(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "populate 1\n")
	stamps := interpret.Stamps{Dir: ns.TmpDir}
	if err := os.MkdirAll(ns.TmpDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, stamp := range []string{stamps.Sync(), stamps.Seed()} {
		if err := stamps.Mark(stamp); err != nil {
			t.Fatalf("Mark() error = %v", err)
		}
	}

	var atAbort string
	aborts := 0
	aborter := process.AborterFunc(func(error) {
		aborts++
		data, _ := os.ReadFile(ns.LogFile)
		atAbort = string(data)
	})
	interpreter, _, err := NewInterpreter(ns, RunOptions{RunID: "failing-run"}, process.NewRunner(nil), aborter, nil)
	if err != nil {
		t.Fatalf("NewInterpreter() error = %v", err)
	}

	var exitErr *process.ExitError
	if err := interpreter.Run(context.Background()); !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want *process.ExitError", err)
	}
	if aborts != 1 {
		t.Fatalf("aborter called %d times, want 1", aborts)
	}
	for _, want := range []string{"FAILED COMMAND: rsync", "Bad command: populate 1", "Error: "} {
		if !strings.Contains(atAbort, want) {
			t.Fatalf("build log at abort = %q, want %q", atAbort, want)
		}
	}
}

func TestTeardownToleratesFailures(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "mount\n")
	_, mounts, err := NewInterpreter(ns, RunOptions{}, process.NewRunner(nil), nil, nil)
	if err != nil {
		t.Fatalf("NewInterpreter() error = %v", err)
	}
	teardown := Teardown(mounts, nil)
	if !teardown.BestEffort || mounts.BestEffort {
		t.Fatalf("BestEffort = %t on teardown, %t on build manager", teardown.BestEffort, mounts.BestEffort)
	}
	runner, ok := teardown.Runner.(*process.Runner)
	if !ok || runner.Aborter != nil {
		t.Fatalf("teardown runner = %#v, want a runner without an aborter", teardown.Runner)
	}
	if teardown.Root != mounts.Root || len(teardown.Entries) != len(mounts.Entries) {
		t.Fatal("teardown manager does not cover the build root")
	}
}

func TestCheckReportsParseErrors(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "mount\npopulate many\n")
	_, err := Check(ns)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("Check() error = %v, want a line 2 parse error", err)
	}
}

func TestCleanRemovesStamps(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "mount\n")
	stamps := interpret.Stamps{Dir: ns.TmpDir}
	if err := os.MkdirAll(ns.TmpDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, stamp := range []string{stamps.Sync(), stamps.Seed(), stamps.Line(1)} {
		if err := stamps.Mark(stamp); err != nil {
			t.Fatalf("Mark() error = %v", err)
		}
	}

	removed, err := Clean(ns, nil)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("Clean() removed %d, want 3", removed)
	}
	status, err := StatusOf(ns)
	if err != nil {
		t.Fatalf("StatusOf() error = %v", err)
	}
	if status.Progress.Synced || status.Progress.Seeded || len(status.Progress.Lines) != 0 {
		t.Fatalf("progress after Clean() = %+v", status.Progress)
	}
}

func TestCleanRefusesRunningBuild(t *testing.T) {
	t.Parallel()

	ns := testNamespace(t, "mount\n")
	if err := os.MkdirAll(filepath.Dir(ns.PIDFile), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(ns.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	if _, err := Clean(ns, nil); err == nil {
		t.Fatal("Clean() error = nil, want refusal while running")
	}
}
