// Package fakemem is an in-memory process address space for tests.
package fakemem

import (
	"iter"
	"sort"

	"github.com/pkg/errors"

	"github.com/jordhan-carvalho/trainer/scalar"
	"github.com/jordhan-carvalho/trainer/system"
)

type region struct {
	info system.Region
	data []byte
}

// Memory implements the engines' backend interface over byte slices.
// Regions can be added, removed and edited between engine calls to imitate
// a live target.
type Memory struct {
	regions []*region

	// FailRead makes Read fail for any range starting in a listed base.
	FailRead map[uintptr]error

	// FailWrite makes every Write fail with this error.
	FailWrite error

	// ShortWrite makes every Write report one byte less than requested.
	ShortWrite bool

	Reads  int
	Writes int
}

// New returns an empty address space.
func New() *Memory {
	return &Memory{
		FailRead: make(map[uintptr]error),
	}
}

// Map adds a readable, writable, committed region at base holding data.
func (o *Memory) Map(base uintptr, data []byte) {
	o.MapRegion(system.Region{
		Base:      base,
		Size:      uintptr(len(data)),
		Readable:  true,
		Writable:  true,
		Committed: true,
	}, data)
}

// MapRegion adds a region with explicit attributes.
func (o *Memory) MapRegion(info system.Region, data []byte) {
	info.Size = uintptr(len(data))
	o.regions = append(o.regions, &region{
		info: info,
		data: append([]byte(nil), data...),
	})
	sort.Slice(o.regions, func(i, j int) bool {
		return o.regions[i].info.Base < o.regions[j].info.Base
	})
}

// Unmap removes the region starting at base.
func (o *Memory) Unmap(base uintptr) {
	for i, r := range o.regions {
		if r.info.Base == base {
			o.regions = append(o.regions[:i], o.regions[i+1:]...)
			return
		}
	}
}

// Shrink truncates the region at base to size bytes.
func (o *Memory) Shrink(base uintptr, size int) {
	r := o.find(base)
	if r != nil && size < len(r.data) {
		r.data = r.data[:size]
		r.info.Size = uintptr(size)
	}
}

func (o *Memory) find(addr uintptr) *region {
	for _, r := range o.regions {
		if r.info.Contains(addr) {
			return r
		}
	}
	return nil
}

// Put stores v at addr in native byte order. It panics if addr is not mapped.
func Put[T scalar.Integer](o *Memory, addr uintptr, v T) {
	r := o.find(addr)
	if r == nil {
		panic("fakemem: address not mapped")
	}
	copy(r.data[addr-r.info.Base:], scalar.Encode(v))
}

// Get loads a T from addr. It panics if addr is not mapped.
func Get[T scalar.Integer](o *Memory, addr uintptr) T {
	r := o.find(addr)
	if r == nil {
		panic("fakemem: address not mapped")
	}
	off := addr - r.info.Base
	return scalar.MustDecode[T](r.data[off : off+uintptr(scalar.Size[T]())])
}

// Regions yields every region selected by policy.
func (o *Memory) Regions(policy system.Policy) iter.Seq2[system.Region, error] {
	return func(yield func(system.Region, error) bool) {
		for _, r := range o.regions {
			if !policy.Selects(r.info) {
				continue
			}
			if !yield(r.info, nil) {
				return
			}
		}
	}
}

// Read copies n bytes from addr. Reads past the end of a region are
// reported as partial transfers.
func (o *Memory) Read(addr uintptr, n int) ([]byte, error) {
	o.Reads++

	if err, ok := o.FailRead[addr]; ok {
		return nil, err
	}

	r := o.find(addr)
	if r == nil {
		return nil, &system.PartialTransferError{Addr: addr, Want: n}
	}

	off := int(addr - r.info.Base)
	if off+n > len(r.data) {
		return nil, &system.PartialTransferError{Addr: addr, Want: n, Got: len(r.data) - off}
	}

	return append([]byte(nil), r.data[off:off+n]...), nil
}

// Write copies p to addr.
func (o *Memory) Write(addr uintptr, p []byte) (int, error) {
	o.Writes++

	if o.FailWrite != nil {
		return 0, o.FailWrite
	}

	r := o.find(addr)
	if r == nil {
		return 0, &system.PartialTransferError{Addr: addr, Want: len(p)}
	}

	if !r.info.Writable {
		return 0, errors.Wrapf(system.ErrAccessDenied, "region at 0x%x is read only", r.info.Base)
	}

	data := p
	if o.ShortWrite && len(data) > 0 {
		data = data[:len(data)-1]
	}

	n := copy(r.data[addr-r.info.Base:], data)

	if n != len(p) {
		return n, &system.PartialTransferError{Addr: addr, Want: len(p), Got: n}
	}
	return n, nil
}
