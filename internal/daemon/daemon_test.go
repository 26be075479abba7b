package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/grs/internal/chroot"
	"github.com/cochaviz/grs/internal/process"
)

// finishedPID returns the pid of a process that has exited and been reaped.
func finishedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	return cmd.Process.Pid
}

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()

	pf := PIDFile{Path: filepath.Join(t.TempDir(), "grs.pid")}
	if err := pf.Write(1234); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	pid, err := pf.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if pid != 1234 {
		t.Fatalf("Read() = %d, want 1234", pid)
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
}

func TestPIDFileRunningRemovesStale(t *testing.T) {
	t.Parallel()

	pf := PIDFile{Path: filepath.Join(t.TempDir(), "grs.pid")}
	if err := pf.Write(finishedPID(t)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, running, err := pf.Running(); err != nil || running {
		t.Fatalf("Running() = %t, %v, want stale", running, err)
	}
	if _, err := os.Stat(pf.Path); !os.IsNotExist(err) {
		t.Fatalf("stale pidfile still present, err = %v", err)
	}
}

func TestPIDFileRunningRemovesGarbage(t *testing.T) {
	t.Parallel()

	pf := PIDFile{Path: filepath.Join(t.TempDir(), "grs.pid")}
	if err := os.WriteFile(pf.Path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, running, err := pf.Running(); err != nil || running {
		t.Fatalf("Running() = %t, %v", running, err)
	}
	if _, err := os.Stat(pf.Path); !os.IsNotExist(err) {
		t.Fatal("garbage pidfile still present")
	}
}

func TestStartRefusesLiveDaemon(t *testing.T) {
	t.Parallel()

	d := New("desktop", filepath.Join(t.TempDir(), "grs.pid"), nil, nil)
	if err := d.PIDFile.Write(os.Getpid()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	d.executable = func() (string, error) {
		t.Fatal("executable looked up for a running daemon")
		return "", nil
	}

	pid, err := d.Start()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyRunning)
	}
	if pid != os.Getpid() {
		t.Fatalf("Start() pid = %d, want %d", pid, os.Getpid())
	}
}

func TestStartReplacesStalePIDFile(t *testing.T) {
	t.Parallel()

	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	d := New("desktop", filepath.Join(t.TempDir(), "grs.pid"), nil, nil)
	stale := finishedPID(t)
	if err := d.PIDFile.Write(stale); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	d.executable = func() (string, error) { return truePath, nil }

	pid, err := d.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	recorded, err := d.PIDFile.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if recorded != pid || pid == stale {
		t.Fatalf("pidfile = %d, started %d, stale %d", recorded, pid, stale)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	t.Parallel()

	d := New("desktop", filepath.Join(t.TempDir(), "grs.pid"), nil, nil)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestCgroupScope(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scope, err := JoinCgroup(root, "desktop", 42)
	if err != nil {
		t.Fatalf("JoinCgroup() error = %v", err)
	}
	if scope.Path != filepath.Join(root, "desktop") {
		t.Fatalf("Path = %q", scope.Path)
	}
	// The kernel would list every member; emulate that.
	if err := os.WriteFile(filepath.Join(scope.Path, "cgroup.procs"), []byte("42\n77\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	members, err := scope.Members()
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if want := []int{42, 77}; !reflect.DeepEqual(members, want) {
		t.Fatalf("Members() = %v, want %v", members, want)
	}
}

func TestGroupScopeScansProcessTable(t *testing.T) {
	t.Parallel()

	proc := t.TempDir()
	stats := map[string]string{
		"10":   "10 (grs) S 1 10 10 0",
		"11":   "11 (emerge) R 10 10 10 0",
		"12":   "12 (defunct) Z 10 10 10 0",
		"13":   "13 (other) S 1 13 13 0",
		"14":   "14 (odd ) name) S 11 10 10 0",
		"self": "10 (grs) S 1 10 10 0",
	}
	for name, stat := range stats {
		if err := os.MkdirAll(filepath.Join(proc, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		// tpgid and the counters after it are irrelevant here.
		line := stat + " -1" + strings.Repeat(" 0", 50) + "\n"
		if err := os.WriteFile(filepath.Join(proc, name, "stat"), []byte(line), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	members, err := (&GroupScope{PGID: 10, ProcDir: proc}).Members()
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if want := []int{10, 11, 14}; !reflect.DeepEqual(members, want) {
		t.Fatalf("Members() = %v, want %v", members, want)
	}
}

type fakeScope struct {
	rounds [][]int
}

func (s *fakeScope) Members() ([]int, error) {
	if len(s.rounds) == 0 {
		return []int{1}, nil
	}
	members := s.rounds[0]
	s.rounds = s.rounds[1:]
	return members, nil
}

type fakeMounts struct {
	unmounted int
	err       error
}

func (m *fakeMounts) UnmountAll(context.Context) error {
	m.unmounted++
	return m.err
}

// busyUmount fails every umount of busy and accepts everything else
// without touching the mount table.
type busyUmount struct {
	busy  string
	calls []string
}

func (r *busyUmount) Run(_ context.Context, command process.Command) (process.Result, error) {
	target := command.Args[len(command.Args)-1]
	r.calls = append(r.calls, target)
	if target != r.busy {
		return process.Result{}, nil
	}
	result := process.Result{ExitCode: 32}
	if command.FailOK {
		return result, nil
	}
	return result, &process.ExitError{Command: command.String(), Result: result}
}

func TestShutdownDrainsScopeThenUnmounts(t *testing.T) {
	t.Parallel()

	scope := &fakeScope{rounds: [][]int{{1, 5, 6}, {1, 7}}}
	mounts := &fakeMounts{}
	var terminated []int
	var events []string
	exitCode := -1

	c := &Coordinator{
		Scope: scope,
		Self:  1,
		Terminate: func(pid int) error {
			terminated = append(terminated, pid)
			return nil
		},
		OnExit: []func(){func() { events = append(events, "pidfile removed") }},
		Exit:   func(code int) { exitCode = code },
	}
	c.SetMounts(mounts)

	c.Shutdown(unix.SIGTERM)
	c.Shutdown(unix.SIGINT)

	if want := []int{5, 6, 7}; !reflect.DeepEqual(terminated, want) {
		t.Fatalf("terminated = %v, want %v", terminated, want)
	}
	if mounts.unmounted != 1 {
		t.Fatalf("UnmountAll called %d times, want 1", mounts.unmounted)
	}
	if len(events) != 1 {
		t.Fatalf("exit hooks ran %d times, want 1", len(events))
	}
	if exitCode != 128+int(unix.SIGTERM) {
		t.Fatalf("exit code = %d, want %d", exitCode, 128+int(unix.SIGTERM))
	}
}

func TestShutdownWithoutMountsOrStubbornProcess(t *testing.T) {
	t.Parallel()

	scope := &fakeScope{rounds: [][]int{{1, 9}, {1, 9}, {1, 9}}}
	exitCode := -1
	calls := 0
	c := &Coordinator{
		Scope: scope,
		Self:  1,
		Terminate: func(int) error {
			calls++
			return unix.EPERM
		},
		Exit: func(code int) { exitCode = code },
	}

	c.Shutdown(unix.SIGINT)

	if calls != 1 {
		t.Fatalf("Terminate called %d times, want 1", calls)
	}
	if exitCode != 128+int(unix.SIGINT) {
		t.Fatalf("exit code = %d, want %d", exitCode, 128+int(unix.SIGINT))
	}
}

func TestShutdownExitsWhenUnmountFails(t *testing.T) {
	t.Parallel()

	exitCode := -1
	hooks := 0
	c := &Coordinator{
		Scope:     &fakeScope{},
		Self:      1,
		Terminate: func(int) error { return nil },
		OnExit:    []func(){func() { hooks++ }},
		Exit:      func(code int) { exitCode = code },
	}
	c.SetMounts(&fakeMounts{err: errors.New("umount: target is busy")})

	c.Shutdown(unix.SIGTERM)

	if hooks != 1 {
		t.Fatalf("exit hooks ran %d times, want 1", hooks)
	}
	if exitCode != 128+int(unix.SIGTERM) {
		t.Fatalf("exit code = %d, want %d", exitCode, 128+int(unix.SIGTERM))
	}
}

func TestShutdownTeardownTriesEveryMount(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	procRoot := filepath.Join(root, "proc")
	if err := os.MkdirAll(filepath.Join(procRoot, "1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("1", filepath.Join(procRoot, "self")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	buildRoot := filepath.Join(root, "root")
	var table strings.Builder
	for i, target := range []string{"dev", "dev/pts", "proc", "sys"} {
		fmt.Fprintf(&table, "%d 1 0:%d / %s rw - none none rw\n", 100+i, 40+i, filepath.Join(buildRoot, target))
	}
	if err := os.WriteFile(filepath.Join(procRoot, "1", "mountinfo"), []byte(table.String()), 0o644); err != nil {
		t.Fatalf("write mountinfo: %v", err)
	}

	runner := &busyUmount{busy: filepath.Join(buildRoot, "proc")}
	teardown := chroot.NewManager(buildRoot, filepath.Join(root, "packages"), "", runner, nil)
	teardown.ProcRoot = procRoot
	teardown.BestEffort = true

	exitCode := -1
	hooks := 0
	c := &Coordinator{
		Scope:     &fakeScope{},
		Self:      1,
		Terminate: func(int) error { return nil },
		OnExit:    []func(){func() { hooks++ }},
		Exit:      func(code int) { exitCode = code },
	}
	c.SetMounts(teardown)
	c.Shutdown(unix.SIGINT)

	want := []string{
		filepath.Join(buildRoot, "sys"),
		filepath.Join(buildRoot, "proc"),
		filepath.Join(buildRoot, "dev/pts"),
		filepath.Join(buildRoot, "dev"),
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("umount targets = %v, want %v", runner.calls, want)
	}
	if hooks != 1 {
		t.Fatalf("exit hooks ran %d times, want 1", hooks)
	}
	if exitCode != 128+int(unix.SIGINT) {
		t.Fatalf("exit code = %d, want %d", exitCode, 128+int(unix.SIGINT))
	}
}
