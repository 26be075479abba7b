package chroot

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cochaviz/grs/internal/process"
)

type recordingRunner struct {
	calls  []process.Command
	onCall func(process.Command)
}

func (r *recordingRunner) Run(_ context.Context, command process.Command) (process.Result, error) {
	r.calls = append(r.calls, command)
	if r.onCall != nil {
		r.onCall(command)
	}
	return process.Result{}, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var names []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return names
}

func TestSelectCycleExplicit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"etc/a.CYCLE.1": "one",
		"etc/a.CYCLE.2": "two",
		"b.CYCLE.1":     "b-one",
	})

	chosen, err := SelectCycle(dir, 2)
	if err != nil {
		t.Fatalf("SelectCycle() error = %v", err)
	}
	if chosen != 2 {
		t.Fatalf("SelectCycle() = %d, want 2", chosen)
	}
	if got, want := listTree(t, dir), []string{"etc/a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tree = %v, want %v", got, want)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "etc", "a"))
	if string(data) != "two" {
		t.Fatalf("a = %q, want cycle 2 contents", data)
	}
}

func TestSelectCycleDefaultPicksHighest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"make.conf.CYCLE.1":   "1",
		"make.conf.CYCLE.3":   "3",
		"package.use.CYCLE.2": "2",
		"untouched":           "x",
	})

	chosen, err := SelectCycle(dir, DefaultCycle)
	if err != nil {
		t.Fatalf("SelectCycle() error = %v", err)
	}
	if chosen != 3 {
		t.Fatalf("SelectCycle() = %d, want 3", chosen)
	}
	if got, want := listTree(t, dir), []string{"make.conf", "untouched"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tree = %v, want %v", got, want)
	}
}

func TestSelectCycleWithoutCycledFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"plain": "x", "a.CYCLE.": "y", "b.CYCLE.1.bak": "z"})

	chosen, err := SelectCycle(dir, DefaultCycle)
	if err != nil {
		t.Fatalf("SelectCycle() error = %v", err)
	}
	if chosen != -1 {
		t.Fatalf("SelectCycle() = %d, want -1", chosen)
	}
	if got := listTree(t, dir); len(got) != 3 {
		t.Fatalf("tree = %v, want untouched", got)
	}
}

func newTestPopulator(t *testing.T) (*Populator, *recordingRunner) {
	t.Helper()
	dir := t.TempDir()
	runner := &recordingRunner{}
	return &Populator{
		LibDir:     filepath.Join(dir, "lib"),
		WorkDir:    filepath.Join(dir, "work"),
		Root:       filepath.Join(dir, "system"),
		Nameserver: "192.0.2.53",
		LogFile:    filepath.Join(dir, "build.log"),
		Runner:     runner,
	}, runner
}

func TestPopulateStagesSelectsAndInstalls(t *testing.T) {
	t.Parallel()

	p, runner := newTestPopulator(t)
	runner.onCall = func(command process.Command) {
		// Stand in for the staging rsync.
		if strings.Contains(strings.Join(command.Args, " "), "--delete") {
			writeTree(t, p.WorkDir, map[string]string{"etc/x.CYCLE.1": "1", "etc/x.CYCLE.2": "2"})
		}
	}

	if err := p.Populate(context.Background(), 1); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("Populate() ran %d commands, want 2", len(runner.calls))
	}
	stage := runner.calls[0].Args
	if stage[len(stage)-2] != filepath.Join(p.LibDir, "core")+"/" || stage[len(stage)-1] != p.WorkDir {
		t.Fatalf("stage command = %v", stage)
	}
	install := runner.calls[1].Args
	if install[len(install)-2] != p.WorkDir+"/" || install[len(install)-1] != p.Root {
		t.Fatalf("install command = %v", install)
	}
	if got, want := listTree(t, p.WorkDir), []string{"etc/x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("work tree = %v, want %v", got, want)
	}

	resolv, err := os.ReadFile(filepath.Join(p.Root, "etc", "resolv.conf"))
	if err != nil {
		t.Fatalf("read resolv.conf: %v", err)
	}
	if string(resolv) != "nameserver 192.0.2.53\n" {
		t.Fatalf("resolv.conf = %q", resolv)
	}
}

func TestPopulateCycleZeroSkipsSelection(t *testing.T) {
	t.Parallel()

	p, _ := newTestPopulator(t)
	writeTree(t, p.WorkDir, map[string]string{"x.CYCLE.1": "1", "x.CYCLE.2": "2"})

	if err := p.Populate(context.Background(), 0); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if got := listTree(t, p.WorkDir); len(got) != 2 {
		t.Fatalf("work tree = %v, want cycled files untouched", got)
	}
}
