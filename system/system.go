// Package system gives access to the memory of another process.
//
// Exactly one implementation of Memory is compiled per operating system:
// Linux uses /proc/<pid>/mem and process_vm_writev, Windows a process handle,
// and macOS a mach task port. Each Memory owns its OS resource until Close.
package system

import (
	"fmt"
	"iter"

	"github.com/pkg/errors"
)

var (
	// ErrAccessDenied means the OS refused to open, read or write the target.
	ErrAccessDenied = errors.New("access denied")

	// ErrProcessGone means the target exited or the PID was never valid.
	ErrProcessGone = errors.New("process gone")

	// ErrPartialTransfer means the OS moved fewer bytes than requested.
	ErrPartialTransfer = errors.New("partial transfer")

	// ErrIntegrityProtection is returned on macOS when System Integrity
	// Protection refuses the task port. It also matches ErrAccessDenied.
	ErrIntegrityProtection = &integrityError{}

	// ErrUnsupported is returned by Open on platforms without a backend.
	ErrUnsupported = errors.New("unsupported platform")
)

type integrityError struct{}

func (integrityError) Error() string {
	return "task_for_pid refused, likely by System Integrity Protection; " +
		"check `csrutil status` and run with sudo if it is disabled " +
		"(see https://support.apple.com/en-us/102149)"
}

func (integrityError) Is(target error) bool {
	return target == ErrAccessDenied
}

// PartialTransferError describes a read or write that stopped short.
type PartialTransferError struct {
	Addr uintptr
	Want int
	Got  int
}

func (o *PartialTransferError) Error() string {
	return fmt.Sprintf("transferred %d of %d bytes at 0x%x", o.Got, o.Want, o.Addr)
}

func (o *PartialTransferError) Is(target error) bool {
	return target == ErrPartialTransfer
}

// Region is a contiguous range of the target's address space with uniform
// access and commit state. Regions are produced fresh by every enumeration.
type Region struct {
	Base      uintptr
	Size      uintptr
	Readable  bool
	Writable  bool
	Committed bool

	// Name is the mapping path on Linux or the owning module on Windows.
	// It is empty for anonymous memory.
	Name string

	heap bool
}

// End returns the first address past the region.
func (o Region) End() uintptr {
	return o.Base + o.Size
}

// Contains reports whether addr falls inside the region.
func (o Region) Contains(addr uintptr) bool {
	return addr >= o.Base && addr < o.End()
}

func (o Region) String() string {
	perms := []byte("---")
	if o.Readable {
		perms[0] = 'r'
	}
	if o.Writable {
		perms[1] = 'w'
	}
	if o.Committed {
		perms[2] = 'c'
	}
	return fmt.Sprintf("[0x%x-0x%x) %s %s", o.Base, o.End(), perms, o.Name)
}

// Policy selects which regions an enumeration yields.
type Policy int

const (
	// PolicyWritable yields readable and writable committed regions.
	PolicyWritable Policy = iota

	// PolicyHeap yields only heap-like mappings. It is the fastest policy
	// but misses values that live anywhere else.
	PolicyHeap

	// PolicyAll yields every readable committed region. The unknown value
	// search always uses it.
	PolicyAll
)

var policyNames = map[Policy]string{
	PolicyWritable: "writable",
	PolicyHeap:     "heap",
	PolicyAll:      "all",
}

func (p Policy) String() string {
	name, ok := policyNames[p]
	if !ok {
		return "unknown"
	}
	return name
}

// ParsePolicy converts "heap", "writable" or "all" into a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown region policy %q", s)
}

// Selects reports whether the policy includes r.
func (p Policy) Selects(r Region) bool {
	if !r.Readable || !r.Committed || r.Size == 0 {
		return false
	}

	switch p {
	case PolicyHeap:
		return r.heap
	case PolicyWritable:
		return r.Writable
	default:
		return true
	}
}

// DefaultChunkSize caps how many bytes a single OS read call requests.
const DefaultChunkSize = 100 * 1024 * 1024

// Config tunes a Memory.
type Config struct {
	// ChunkSize is the largest read requested from the OS in one call.
	ChunkSize int
}

// DefaultConfig returns the configuration used by Open.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
	}
}

// Interface check for the compiled backend.
var _ interface {
	Regions(Policy) iter.Seq2[Region, error]
	Read(uintptr, int) ([]byte, error)
	Write(uintptr, []byte) (int, error)
	Close() error
} = (*Memory)(nil)

// Open acquires access to the process identified by pid using DefaultConfig.
// The returned Memory must be closed exactly once.
func Open(pid int) (*Memory, error) {
	return OpenWithConfig(pid, DefaultConfig())
}

// OpenWithConfig is Open with an explicit configuration.
func OpenWithConfig(pid int, config Config) (*Memory, error) {
	if config.ChunkSize <= 0 {
		return nil, errors.New("chunk size cannot be less than or equal to zero")
	}

	if pid <= 0 {
		return nil, errors.Wrapf(ErrProcessGone, "invalid pid %d", pid)
	}

	return open(pid, config)
}

// readFn performs a single bounded OS read into p.
type readFn func(addr uintptr, p []byte) (int, error)

// readChunked fills a buffer of n bytes starting at addr, never asking the
// OS for more than chunk bytes per call. A short OS read is reported as a
// *PartialTransferError.
func readChunked(addr uintptr, n int, chunk int, read readFn) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("negative read size %d", n)
	}

	buf := make([]byte, n)
	for off := 0; off < n; {
		size := n - off
		if size > chunk {
			size = chunk
		}

		got, err := read(addr+uintptr(off), buf[off:off+size])
		if err != nil {
			return nil, err
		}

		if got != size {
			return nil, &PartialTransferError{
				Addr: addr,
				Want: n,
				Got:  off + got,
			}
		}

		off += size
	}

	return buf, nil
}

// checkWrite converts a short write into a *PartialTransferError.
func checkWrite(addr uintptr, want int, got int, err error) (int, error) {
	if err != nil {
		return got, err
	}

	if got != want {
		return got, &PartialTransferError{
			Addr: addr,
			Want: want,
			Got:  got,
		}
	}

	return got, nil
}
