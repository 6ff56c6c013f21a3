//go:build windows

package system

import (
	"iter"
	"path/filepath"
	"unsafe"

	"github.com/0xrawsec/golang-win32/win32"
	kernel32 "github.com/0xrawsec/golang-win32/win32/kernel32"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	windows "golang.org/x/sys/windows"
)

const (
	memPrivate = 0x20000

	writableProtect = windows.PAGE_READWRITE |
		windows.PAGE_WRITECOPY |
		windows.PAGE_EXECUTE_READWRITE |
		windows.PAGE_EXECUTE_WRITECOPY

	desiredAccess = windows.PROCESS_QUERY_INFORMATION |
		windows.PROCESS_VM_READ |
		windows.PROCESS_VM_WRITE |
		windows.PROCESS_VM_OPERATION
)

// Memory holds a process handle opened with query, read, write and
// operation rights. The handle is closed by Close.
type Memory struct {
	pid    int
	handle windows.Handle
	config Config
}

type module struct {
	base uintptr
	size uintptr
	name string
}

func open(pid int, config Config) (*Memory, error) {
	handle, err := windows.OpenProcess(desiredAccess, false, uint32(pid))
	if err != nil {
		return nil, classify(err, "failed to open process %d, you may need to run as admin", pid)
	}

	return &Memory{
		pid:    pid,
		handle: handle,
		config: config,
	}, nil
}

// PID returns the target's process ID.
func (o *Memory) PID() int {
	return o.pid
}

// Close closes the process handle. Calling it again is a no-op.
func (o *Memory) Close() error {
	if o.handle == 0 {
		return nil
	}

	err := windows.CloseHandle(o.handle)
	o.handle = 0
	return err
}

// modules lists the target's loaded modules so regions can be labelled.
func (o *Memory) modules() []module {
	h := win32.HANDLE(o.handle)

	moduleHandles, err := kernel32.EnumProcessModules(h)
	if err != nil {
		log.WithError(err).WithField("pid", o.pid).Debug("failed to enumerate modules")
		return nil
	}

	var mods []module
	for _, moduleHandle := range moduleHandles {
		info, err := kernel32.GetModuleInformation(h, moduleHandle)
		if err != nil {
			continue
		}

		filename, _ := kernel32.GetModuleFilenameExW(h, moduleHandle)
		mods = append(mods, module{
			base: uintptr(info.LpBaseOfDll),
			size: uintptr(info.SizeOfImage),
			name: filepath.Base(filename),
		})
	}
	return mods
}

// Regions walks the address space with VirtualQueryEx, asking for the
// region after the previous one until the query fails.
func (o *Memory) Regions(policy Policy) iter.Seq2[Region, error] {
	return func(yield func(Region, error) bool) {
		if o.handle == 0 {
			yield(Region{}, errors.Wrap(ErrProcessGone, "memory is closed"))
			return
		}

		mods := o.modules()

		var address uintptr
		for {
			var info windows.MemoryBasicInformation
			err := windows.VirtualQueryEx(o.handle, address, &info, unsafe.Sizeof(info))
			if err != nil {
				// ERROR_INVALID_PARAMETER marks the end of the address space.
				return
			}

			if info.RegionSize == 0 {
				return
			}

			r := regionFromInfo(&info, mods)
			next := info.BaseAddress + info.RegionSize
			if policy.Selects(r) {
				if !yield(r, nil) {
					return
				}
			}

			if next <= address {
				return
			}
			address = next
		}
	}
}

func regionFromInfo(info *windows.MemoryBasicInformation, mods []module) Region {
	committed := info.State == windows.MEM_COMMIT
	guarded := info.Protect&(windows.PAGE_GUARD|windows.PAGE_NOACCESS) != 0

	r := Region{
		Base:      info.BaseAddress,
		Size:      info.RegionSize,
		Committed: committed,
		Readable:  committed && info.Protect != 0 && !guarded,
		Writable:  info.Protect&writableProtect != 0,
	}

	for _, m := range mods {
		if r.Base >= m.base && r.Base < m.base+m.size {
			r.Name = m.name
			break
		}
	}

	r.heap = r.Name == "" &&
		info.Type == memPrivate &&
		info.Protect&windows.PAGE_READWRITE != 0

	return r
}

// Read copies n bytes starting at addr.
func (o *Memory) Read(addr uintptr, n int) ([]byte, error) {
	if o.handle == 0 {
		return nil, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	return readChunked(addr, n, o.config.ChunkSize, o.readOnce)
}

func (o *Memory) readOnce(addr uintptr, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var read uintptr
	err := windows.ReadProcessMemory(o.handle, addr, &p[0], uintptr(len(p)), &read)
	if err != nil && !errors.Is(err, windows.ERROR_PARTIAL_COPY) {
		return int(read), classify(err, "failed to read 0x%x", addr)
	}

	return int(read), nil
}

// Write copies p into the target at addr.
func (o *Memory) Write(addr uintptr, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if o.handle == 0 {
		return 0, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	var written uintptr
	err := windows.WriteProcessMemory(o.handle, addr, &p[0], uintptr(len(p)), &written)
	if err != nil && !errors.Is(err, windows.ERROR_PARTIAL_COPY) {
		return int(written), classify(err, "failed to write %d bytes at 0x%x", len(p), addr)
	}

	return checkWrite(addr, len(p), int(written), nil)
}

func classify(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return errors.Wrapf(ErrAccessDenied, format+": %v", append(args, err)...)
	case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
		return errors.Wrapf(ErrProcessGone, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(err, format, args...)
}
