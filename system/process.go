package system

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// FindPID returns the ID of the first running process whose executable
// name matches name. The comparison ignores case and a ".exe" suffix.
func FindPID(name string) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list processes")
	}

	want := normalizeExeName(name)
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			continue
		}

		if normalizeExeName(pname) == want {
			return int(p.Pid), nil
		}
	}

	return 0, errors.Wrapf(ErrProcessGone, "no process named %q", name)
}

func normalizeExeName(name string) string {
	name = strings.ToLower(filepath.Base(name))
	return strings.TrimSuffix(name, ".exe")
}

func processExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Assume it is alive so the caller reports the original failure.
		return true
	}
	return ok
}
