package process

import (
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// killTree sends SIGKILL to pid and to every process descending from it.
// The tree is captured before anything is killed, since orphans are
// reparented and would otherwise drop out of it.
func killTree(procRoot string, pid int) error {
	pids := append([]int{pid}, descendants(procRoot, pid)...)
	var firstErr error
	for _, p := range pids {
		if err := ignoreGone(unix.Kill(p, unix.SIGKILL)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// descendants lists the processes below root in breadth-first order. An
// unreadable process table yields no descendants.
func descendants(procRoot string, root int) []int {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil
	}

	children := make(map[int][]int)
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], proc.PID)
	}

	var found []int
	queue := []int{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			found = append(found, child)
			queue = append(queue, child)
		}
	}
	return found
}
