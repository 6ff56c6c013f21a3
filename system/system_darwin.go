//go:build darwin

package system

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>

static kern_return_t trainer_task_for_pid(int pid, mach_port_t *task) {
	return task_for_pid(mach_task_self(), pid, task);
}

static kern_return_t trainer_release(mach_port_t task) {
	return mach_port_deallocate(mach_task_self(), task);
}

static kern_return_t trainer_region(mach_port_t task, mach_vm_address_t *address,
		mach_vm_size_t *size, vm_prot_t *protection) {
	vm_region_basic_info_data_64_t info;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object_name = MACH_PORT_NULL;
	kern_return_t kr = mach_vm_region(task, address, size, VM_REGION_BASIC_INFO_64,
		(vm_region_info_t)&info, &count, &object_name);
	if (kr == KERN_SUCCESS) {
		*protection = info.protection;
	}
	return kr;
}

static kern_return_t trainer_read(mach_port_t task, mach_vm_address_t address,
		mach_vm_size_t size, void *buf, mach_vm_size_t *out) {
	return mach_vm_read_overwrite(task, address, size, (mach_vm_address_t)buf, out);
}

static kern_return_t trainer_write(mach_port_t task, mach_vm_address_t address,
		void *buf, mach_msg_type_number_t size) {
	return mach_vm_write(task, address, (vm_offset_t)buf, size);
}
*/
import "C"

import (
	"iter"
	"unsafe"

	"github.com/pkg/errors"
)

// Memory holds a mach task port for the target. The port right is
// deallocated by Close.
type Memory struct {
	pid    int
	task   C.mach_port_t
	config Config
}

func open(pid int, config Config) (*Memory, error) {
	var task C.mach_port_t
	kr := C.trainer_task_for_pid(C.int(pid), &task)
	if kr != C.KERN_SUCCESS {
		if !processExists(pid) {
			return nil, errors.Wrapf(ErrProcessGone, "task_for_pid(%d) returned %d", pid, int(kr))
		}
		if kr == C.KERN_FAILURE {
			return nil, errors.Wrapf(ErrIntegrityProtection, "task_for_pid(%d)", pid)
		}
		return nil, errors.Wrapf(ErrAccessDenied, "task_for_pid(%d) returned %d", pid, int(kr))
	}

	return &Memory{
		pid:    pid,
		task:   task,
		config: config,
	}, nil
}

// PID returns the target's process ID.
func (o *Memory) PID() int {
	return o.pid
}

// Close deallocates the task port. Calling it again is a no-op.
func (o *Memory) Close() error {
	if o.task == 0 {
		return nil
	}

	kr := C.trainer_release(o.task)
	o.task = 0
	if kr != C.KERN_SUCCESS {
		return errors.Errorf("mach_port_deallocate returned %d", int(kr))
	}
	return nil
}

// Regions asks mach_vm_region for the region at or after an increasing
// address until the kernel reports there are no more.
func (o *Memory) Regions(policy Policy) iter.Seq2[Region, error] {
	return func(yield func(Region, error) bool) {
		if o.task == 0 {
			yield(Region{}, errors.Wrap(ErrProcessGone, "memory is closed"))
			return
		}

		var address C.mach_vm_address_t
		for {
			var size C.mach_vm_size_t
			var prot C.vm_prot_t
			kr := C.trainer_region(o.task, &address, &size, &prot)
			if kr != C.KERN_SUCCESS {
				return
			}

			r := Region{
				Base:      uintptr(address),
				Size:      uintptr(size),
				Committed: true,
				Readable:  prot&C.VM_PROT_READ != 0,
				Writable:  prot&C.VM_PROT_WRITE != 0,
			}
			r.heap = r.Readable && r.Writable

			if policy.Selects(r) {
				if !yield(r, nil) {
					return
				}
			}

			address += C.mach_vm_address_t(size)
		}
	}
}

// Read copies n bytes starting at addr, at most ChunkSize bytes per
// mach_vm_read_overwrite call.
func (o *Memory) Read(addr uintptr, n int) ([]byte, error) {
	if o.task == 0 {
		return nil, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	return readChunked(addr, n, o.config.ChunkSize, o.readOnce)
}

func (o *Memory) readOnce(addr uintptr, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var out C.mach_vm_size_t
	kr := C.trainer_read(o.task, C.mach_vm_address_t(addr), C.mach_vm_size_t(len(p)),
		unsafe.Pointer(&p[0]), &out)
	switch kr {
	case C.KERN_SUCCESS:
		return int(out), nil
	case C.KERN_INVALID_ADDRESS, C.KERN_PROTECTION_FAILURE:
		return int(out), nil
	}

	if !processExists(o.pid) {
		return 0, errors.Wrapf(ErrProcessGone, "process %d exited", o.pid)
	}
	return 0, errors.Errorf("mach_vm_read_overwrite at 0x%x returned %d", addr, int(kr))
}

// Write copies p into the target at addr. mach_vm_write is all or nothing.
func (o *Memory) Write(addr uintptr, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if o.task == 0 {
		return 0, errors.Wrap(ErrProcessGone, "memory is closed")
	}

	kr := C.trainer_write(o.task, C.mach_vm_address_t(addr), unsafe.Pointer(&p[0]),
		C.mach_msg_type_number_t(len(p)))
	switch kr {
	case C.KERN_SUCCESS:
		return len(p), nil
	case C.KERN_INVALID_ADDRESS:
		return 0, &PartialTransferError{Addr: addr, Want: len(p)}
	case C.KERN_PROTECTION_FAILURE:
		return 0, errors.Wrapf(ErrAccessDenied, "region at 0x%x is not writable", addr)
	}

	if !processExists(o.pid) {
		return 0, errors.Wrapf(ErrProcessGone, "process %d exited", o.pid)
	}
	return 0, errors.Errorf("mach_vm_write at 0x%x returned %d", addr, int(kr))
}
