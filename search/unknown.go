package search

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/jordhan-carvalho/trainer/scalar"
	"github.com/jordhan-carvalho/trainer/system"
)

// block is a run of consecutive surviving slots and their baseline values.
type block[T scalar.Integer] struct {
	base   uintptr
	values []T
}

// Unknown narrows slots by how their values changed between passes.
//
// Search records every aligned slot of every readable region. Each
// predicate then re-reads the surviving slots, keeps those whose new value
// relates to the recorded one as asked, and records the new values as the
// baseline for the next predicate.
type Unknown[T scalar.Integer] struct {
	mem    Memory
	active bool
	blocks []block[T]
}

// NewUnknown returns an idle engine.
func NewUnknown[T scalar.Integer](mem Memory) *Unknown[T] {
	return &Unknown[T]{
		mem: mem,
	}
}

// Active reports whether a search has been started.
func (o *Unknown[T]) Active() bool {
	return o.active
}

// Count returns the number of surviving slots.
func (o *Unknown[T]) Count() int {
	return lo.SumBy(o.blocks, func(b block[T]) int {
		return len(b.values)
	})
}

// Addresses returns up to limit surviving slot addresses in address order.
// A limit of zero or less returns all of them.
func (o *Unknown[T]) Addresses(limit int) []uintptr {
	size := uintptr(scalar.Size[T]())

	var out []uintptr
	for _, b := range o.blocks {
		for i := range b.values {
			if limit > 0 && len(out) == limit {
				return out
			}
			out = append(out, b.base+uintptr(i)*size)
		}
	}
	return out
}

// Reset discards the current search.
func (o *Unknown[T]) Reset() {
	o.active = false
	o.blocks = nil
}

// Search replaces the current search with a baseline of every aligned slot
// in every readable region. Nothing is filtered, so the returned count is
// the number of slots read.
func (o *Unknown[T]) Search() (int, error) {
	p := &pass{name: "snapshot"}

	var blocks []block[T]
	for r, err := range o.mem.Regions(system.PolicyAll) {
		if err != nil {
			return 0, errors.Wrap(err, "failed to enumerate regions")
		}

		buf, err := p.read(o.mem, r.Base, int(r.Size))
		if err != nil {
			return 0, err
		}

		values := scalar.DecodeAll[T](buf)
		if len(values) == 0 {
			continue
		}

		blocks = append(blocks, block[T]{
			base:   r.Base,
			values: values,
		})
	}

	o.blocks = blocks
	o.active = true

	n := o.Count()
	p.done(n)
	return n, nil
}

// Increased keeps slots whose value is now greater than the baseline.
func (o *Unknown[T]) Increased() (int, error) {
	return o.refine("increased", func(cur, prev T) bool { return cur > prev })
}

// Decreased keeps slots whose value is now less than the baseline.
func (o *Unknown[T]) Decreased() (int, error) {
	return o.refine("decreased", func(cur, prev T) bool { return cur < prev })
}

// Unchanged keeps slots whose value equals the baseline.
func (o *Unknown[T]) Unchanged() (int, error) {
	return o.refine("unchanged", func(cur, prev T) bool { return cur == prev })
}

// Changed keeps slots whose value differs from the baseline.
func (o *Unknown[T]) Changed() (int, error) {
	return o.refine("changed", func(cur, prev T) bool { return cur != prev })
}

func (o *Unknown[T]) refine(name string, keep func(cur, prev T) bool) (int, error) {
	if !o.active {
		return 0, ErrNoSearch
	}

	size := scalar.Size[T]()
	p := &pass{name: name}

	var next []block[T]
	for _, b := range o.blocks {
		buf, err := p.read(o.mem, b.base, len(b.values)*size)
		if err != nil {
			return 0, err
		}
		if buf == nil {
			continue
		}

		cur := scalar.DecodeAll[T](buf)
		start := -1
		for i := range b.values {
			if keep(cur[i], b.values[i]) {
				if start < 0 {
					start = i
				}
				continue
			}

			if start >= 0 {
				next = append(next, block[T]{
					base:   b.base + uintptr(start*size),
					values: cur[start:i:i],
				})
				start = -1
			}
		}

		if start >= 0 {
			next = append(next, block[T]{
				base:   b.base + uintptr(start*size),
				values: cur[start:],
			})
		}
	}

	o.blocks = next

	n := o.Count()
	p.done(n)
	return n, nil
}

// Modify writes value to the first surviving slot only.
func (o *Unknown[T]) Modify(value T) error {
	b, err := o.first()
	if err != nil {
		return err
	}

	_, err = o.mem.Write(b.base, scalar.Encode(value))
	if err != nil {
		return errors.Wrapf(err, "failed to modify 0x%x", b.base)
	}
	return nil
}

// CurrentValue returns the baseline of the first surviving slot, that is
// the value read by the most recent search or predicate.
func (o *Unknown[T]) CurrentValue() (T, error) {
	b, err := o.first()
	if err != nil {
		var v T
		return v, err
	}
	return b.values[0], nil
}

func (o *Unknown[T]) first() (block[T], error) {
	if !o.active {
		return block[T]{}, ErrNoSearch
	}

	if len(o.blocks) == 0 {
		return block[T]{}, ErrNoCandidate
	}
	return o.blocks[0], nil
}
