//go:build !linux && !windows && !darwin

package system

import (
	"iter"
	"runtime"

	"github.com/pkg/errors"
)

// Memory is a placeholder on platforms without a backend. Open always fails.
type Memory struct{}

func open(pid int, _ Config) (*Memory, error) {
	return nil, errors.Wrapf(ErrUnsupported, "cannot open process %d on %s", pid, runtime.GOOS)
}

func (o *Memory) PID() int { return 0 }

func (o *Memory) Close() error { return nil }

func (o *Memory) Regions(Policy) iter.Seq2[Region, error] {
	return func(yield func(Region, error) bool) {
		yield(Region{}, ErrUnsupported)
	}
}

func (o *Memory) Read(uintptr, int) ([]byte, error) { return nil, ErrUnsupported }

func (o *Memory) Write(uintptr, []byte) (int, error) { return 0, ErrUnsupported }
