//go:build linux

package system

import (
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Memory reads the target through its /proc/<pid>/mem pseudo-file and
// writes it with process_vm_writev, so the target is never stopped.
//
// The caller needs CAP_SYS_PTRACE, root, or a target that the kernel's
// ptrace access mode check already allows (such as a child process).
type Memory struct {
	pid    int
	proc   procfs.Proc
	mem    *os.File
	config Config
}

func open(pid int, config Config) (*Memory, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, classify(err, "failed to find process %d", pid)
	}

	if !HasTraceCapability() {
		log.WithField("pid", pid).
			Warn("CAP_SYS_PTRACE is not effective, access depends on ownership and ptrace_scope")
	}

	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, classify(err, "failed to open memory of process %d", pid)
	}

	return &Memory{
		pid:    pid,
		proc:   proc,
		mem:    mem,
		config: config,
	}, nil
}

// PID returns the target's process ID.
func (o *Memory) PID() int {
	return o.pid
}

// Close releases the memory pseudo-file. Calling it again is a no-op.
func (o *Memory) Close() error {
	if o.mem == nil {
		return nil
	}

	err := o.mem.Close()
	o.mem = nil
	return err
}

// Regions enumerates /proc/<pid>/maps when the returned sequence is
// iterated. Every iteration reads the maps again.
func (o *Memory) Regions(policy Policy) iter.Seq2[Region, error] {
	return func(yield func(Region, error) bool) {
		maps, err := o.proc.ProcMaps()
		if err != nil {
			yield(Region{}, classify(err, "failed to read memory map of process %d", o.pid))
			return
		}

		// An exited process that is not reaped yet has an empty map.
		if len(maps) == 0 && o.gone() {
			yield(Region{}, errors.Wrapf(ErrProcessGone, "process %d exited", o.pid))
			return
		}

		for _, m := range maps {
			r := regionFromMap(m)
			if !policy.Selects(r) {
				continue
			}

			if !yield(r, nil) {
				return
			}
		}
	}
}

func regionFromMap(m *procfs.ProcMap) Region {
	r := Region{
		Base:      m.StartAddr,
		Size:      m.EndAddr - m.StartAddr,
		Committed: true,
		Name:      m.Pathname,
		heap:      m.Pathname == "[heap]",
	}

	if m.Perms != nil {
		r.Readable = m.Perms.Read
		r.Writable = m.Perms.Write
	}

	// The kernel refuses reads of these through /proc/<pid>/mem.
	switch m.Pathname {
	case "[vvar]", "[vvar_vclock]", "[vsyscall]":
		r.Readable = false
	}

	return r
}

// Read copies n bytes starting at addr.
func (o *Memory) Read(addr uintptr, n int) ([]byte, error) {
	if o.mem == nil {
		return nil, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	return readChunked(addr, n, o.config.ChunkSize, o.readOnce)
}

func (o *Memory) readOnce(addr uintptr, p []byte) (int, error) {
	n, err := o.mem.ReadAt(p, int64(addr))
	if err == nil || n > 0 {
		return n, nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) || errors.Is(err, unix.EFAULT) {
		// The address space is gone once the target exits, even before
		// it is reaped.
		if o.gone() {
			return 0, errors.Wrapf(ErrProcessGone, "process %d exited", o.pid)
		}
		return 0, nil
	}

	return 0, classify(err, "failed to read 0x%x", addr)
}

// Write copies p into the target at addr with a single process_vm_writev.
func (o *Memory) Write(addr uintptr, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if o.mem == nil {
		return 0, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))

	remote := []unix.RemoteIovec{{Base: addr, Len: len(p)}}

	n, err := unix.ProcessVMWritev(o.pid, local, remote, 0)
	if errors.Is(err, unix.EFAULT) {
		return 0, &PartialTransferError{Addr: addr, Want: len(p)}
	}
	if err != nil {
		return 0, classify(err, "failed to write %d bytes at 0x%x", len(p), addr)
	}

	return checkWrite(addr, len(p), n, nil)
}

// gone reports whether the target exited, counting zombies as exited.
func (o *Memory) gone() bool {
	if !processExists(o.pid) {
		return true
	}

	stat, err := o.proc.Stat()
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return stat.State == "Z" || stat.State == "X"
}

func classify(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errors.Wrapf(ErrAccessDenied, "%s: %v", fmt.Sprintf(format, args...), err)
	case errors.Is(err, unix.ESRCH), errors.Is(err, os.ErrNotExist):
		return errors.Wrapf(ErrProcessGone, "%s: %v", fmt.Sprintf(format, args...), err)
	}
	return errors.Wrapf(err, format, args...)
}

// HasTraceCapability reports whether CAP_SYS_PTRACE is in this process's
// effective capability set.
func HasTraceCapability() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	err := unix.Capget(&hdr, &data[0])
	if err != nil {
		return false
	}

	return data[unix.CAP_SYS_PTRACE/32].Effective&(1<<(unix.CAP_SYS_PTRACE%32)) != 0
}
