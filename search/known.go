package search

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/jordhan-carvalho/trainer/scalar"
	"github.com/jordhan-carvalho/trainer/system"
)

// Known tracks the addresses that held every value supplied so far.
//
// The width is chosen per call through the generic Search, Refine, Modify
// and Value functions. Refining at a different width than the search
// reuses the old addresses as they are, which may leave a value straddling
// the end of its region; such candidates are dropped rather than read.
type Known struct {
	mem        Memory
	policy     system.Policy
	width      int
	active     bool
	candidates []uintptr
}

// NewKnown returns an idle engine scanning regions selected by policy.
func NewKnown(mem Memory, policy system.Policy) *Known {
	return &Known{
		mem:    mem,
		policy: policy,
	}
}

// Active reports whether a search has been started.
func (o *Known) Active() bool {
	return o.active
}

// Count returns the number of surviving candidates.
func (o *Known) Count() int {
	return len(o.candidates)
}

// Width returns the scalar width in bytes of the last search or refine.
func (o *Known) Width() int {
	return o.width
}

// Addresses returns up to limit candidates in scan order. A limit of zero
// or less returns all of them.
func (o *Known) Addresses(limit int) []uintptr {
	if limit <= 0 || limit > len(o.candidates) {
		limit = len(o.candidates)
	}
	return append([]uintptr(nil), o.candidates[:limit]...)
}

// Reset discards the current search.
func (o *Known) Reset() {
	o.active = false
	o.width = 0
	o.candidates = nil
}

// Search replaces the current search with every aligned address in the
// selected regions that holds expected. It returns the candidate count.
func Search[T scalar.Integer](k *Known, expected T) (int, error) {
	size := scalar.Size[T]()
	p := &pass{name: "search"}

	var found []uintptr
	for r, err := range k.mem.Regions(k.policy) {
		if err != nil {
			return 0, errors.Wrap(err, "failed to enumerate regions")
		}

		buf, err := p.read(k.mem, r.Base, int(r.Size))
		if err != nil {
			return 0, err
		}

		for off := 0; off+size <= len(buf); off += size {
			if scalar.MustDecode[T](buf[off:off+size]) == expected {
				found = append(found, r.Base+uintptr(off))
			}
		}
	}

	k.candidates = found
	k.width = size
	k.active = true
	p.done(len(found))
	return len(found), nil
}

// Refine keeps the candidates that hold expected now. Each candidate is
// checked against a fresh read of the region that currently contains it;
// candidates whose region is gone, unreadable or too short are dropped.
func Refine[T scalar.Integer](k *Known, expected T) (int, error) {
	if !k.active {
		return 0, ErrNoSearch
	}

	var regions []system.Region
	for r, err := range k.mem.Regions(k.policy) {
		if err != nil {
			return 0, errors.Wrap(err, "failed to enumerate regions")
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Base < regions[j].Base
	})

	size := scalar.Size[T]()
	p := &pass{name: "refine"}

	var (
		current system.Region
		buf     []byte
		loaded  bool
	)

	kept := make([]uintptr, 0, len(k.candidates))
	for _, addr := range k.candidates {
		r, ok := regionFor(regions, addr)
		if !ok {
			continue
		}

		if !loaded || r.Base != current.Base {
			var err error
			buf, err = p.read(k.mem, r.Base, int(r.Size))
			if err != nil {
				return 0, err
			}
			current = r
			loaded = true
		}

		off := int(addr - r.Base)
		if off+size > len(buf) {
			continue
		}

		if scalar.MustDecode[T](buf[off:off+size]) == expected {
			kept = append(kept, addr)
		}
	}

	k.candidates = kept
	k.width = size
	p.done(len(kept))
	return len(kept), nil
}

// regionFor finds the region containing addr in regions sorted by base.
func regionFor(regions []system.Region, addr uintptr) (system.Region, bool) {
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].End() > addr
	})
	if i < len(regions) && regions[i].Contains(addr) {
		return regions[i], true
	}
	return system.Region{}, false
}

// Modify writes value to the first candidate only. The other candidates
// are left alone; refine until a single candidate remains first.
func Modify[T scalar.Integer](k *Known, value T) error {
	addr, err := k.first()
	if err != nil {
		return err
	}

	_, err = k.mem.Write(addr, scalar.Encode(value))
	if err != nil {
		return errors.Wrapf(err, "failed to modify 0x%x", addr)
	}
	return nil
}

// Value reads the current value at the first candidate.
func Value[T scalar.Integer](k *Known) (T, error) {
	var v T
	addr, err := k.first()
	if err != nil {
		return v, err
	}

	buf, err := k.mem.Read(addr, scalar.Size[T]())
	if err != nil {
		return v, errors.Wrapf(err, "failed to read 0x%x", addr)
	}
	return scalar.Decode[T](buf)
}

func (o *Known) first() (uintptr, error) {
	if !o.active {
		return 0, ErrNoSearch
	}

	addr, ok := lo.First(o.candidates)
	if !ok {
		return 0, ErrNoCandidate
	}
	return addr, nil
}
