package search

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jordhan-carvalho/trainer/internal/fakemem"
	"github.com/jordhan-carvalho/trainer/system"
)

func TestUnknownSearchCountsEverySlot(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, make([]byte, 64))
	mem.Map(0x2000, make([]byte, 30))
	mem.MapRegion(system.Region{Base: 0x3000}, make([]byte, 64))

	u := NewUnknown[int32](mem)
	n, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	// 16 slots plus 7 whole slots; the unreadable region is not scanned.
	if n != 23 {
		t.Fatalf("expected 23 slots - got %d", n)
	}

	if u.Count() != n {
		t.Fatalf("expected count %d - got %d", n, u.Count())
	}
}

func TestUnknownPredicatesPartition(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	data := make([]byte, 512)
	rnd.Read(data)

	mem := fakemem.New()
	mem.Map(0x10000, data)

	engines := map[string]*Unknown[int16]{}
	for _, name := range []string{"increased", "decreased", "unchanged", "changed"} {
		u := NewUnknown[int16](mem)
		_, err := u.Search()
		if err != nil {
			t.Fatal(err)
		}
		engines[name] = u
	}

	for addr := uintptr(0x10000); addr < 0x10000+512; addr += 2 {
		if rnd.Intn(3) == 0 {
			continue
		}
		fakemem.Put(mem, addr, int16(rnd.Intn(65536)-32768))
	}

	preds := map[string]func(*Unknown[int16]) (int, error){
		"increased": (*Unknown[int16]).Increased,
		"decreased": (*Unknown[int16]).Decreased,
		"unchanged": (*Unknown[int16]).Unchanged,
		"changed":   (*Unknown[int16]).Changed,
	}

	sets := map[string]map[uintptr]bool{}
	for name, u := range engines {
		_, err := preds[name](u)
		if err != nil {
			t.Fatal(err)
		}

		set := map[uintptr]bool{}
		for _, addr := range u.Addresses(0) {
			set[addr] = true
		}
		sets[name] = set
	}

	total := len(sets["increased"]) + len(sets["decreased"]) + len(sets["unchanged"])
	if total != 256 {
		t.Fatalf("expected the predicates to cover 256 slots - got %d", total)
	}

	for addr := range sets["increased"] {
		if sets["decreased"][addr] || sets["unchanged"][addr] {
			t.Fatalf("slot 0x%x satisfies more than one predicate", addr)
		}
	}
	for addr := range sets["decreased"] {
		if sets["unchanged"][addr] {
			t.Fatalf("slot 0x%x satisfies more than one predicate", addr)
		}
	}

	union := map[uintptr]bool{}
	for addr := range sets["increased"] {
		union[addr] = true
	}
	for addr := range sets["decreased"] {
		union[addr] = true
	}
	if diff := cmp.Diff(union, sets["changed"]); diff != "" {
		t.Fatalf("changed is not increased plus decreased (-want +got):\n%s", diff)
	}
}

func TestUnknownBaselineAdvances(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, make([]byte, 8))

	u := NewUnknown[uint8](mem)
	_, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	fakemem.Put[uint8](mem, 0x1003, 5)
	n, err := u.Increased()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 slot - got %d", n)
	}

	// Nothing moved since the last predicate, so the slot is no longer
	// greater than its baseline.
	n, err = u.Increased()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 slots - got %d", n)
	}
}

func TestUnknownScenarioSmallWidth(t *testing.T) {
	const victim = uintptr(0x20123)

	rnd := rand.New(rand.NewSource(42))
	data := make([]byte, 4096)
	rnd.Read(data)

	mem := fakemem.New()
	mem.Map(0x20000, data)
	fakemem.Put[int8](mem, victim, 100)

	noise := func() {
		for i := 0; i < len(data)/10; i++ {
			addr := 0x20000 + uintptr(rnd.Intn(len(data)))
			if addr == victim {
				continue
			}
			fakemem.Put(mem, addr, int8(rnd.Intn(256)-128))
		}
	}
	step := func(delta int8) {
		fakemem.Put(mem, victim, fakemem.Get[int8](mem, victim)+delta)
		noise()
	}

	u := NewUnknown[int8](mem)
	n, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("expected %d slots - got %d", len(data), n)
	}

	for i := 0; i < 6; i++ {
		step(1)
		_, err = u.Increased()
		if err != nil {
			t.Fatal(err)
		}

		step(0)
		_, err = u.Unchanged()
		if err != nil {
			t.Fatal(err)
		}

		step(-1)
		_, err = u.Decreased()
		if err != nil {
			t.Fatal(err)
		}

		step(-1)
		_, err = u.Changed()
		if err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]uintptr{victim}, u.Addresses(0)); diff != "" {
		t.Fatalf("unexpected survivors (-want +got):\n%s", diff)
	}

	v, err := u.CurrentValue()
	if err != nil {
		t.Fatal(err)
	}
	if v != 94 {
		t.Fatalf("expected baseline 94 - got %d", v)
	}

	err = u.Modify(-42)
	if err != nil {
		t.Fatal(err)
	}

	if res := fakemem.Get[int8](mem, victim); res != -42 {
		t.Fatalf("expected -42 - got %d", res)
	}
}

func TestUnknownNoSearch(t *testing.T) {
	u := NewUnknown[int32](fakemem.New())

	for name, fn := range map[string]func() (int, error){
		"increased": u.Increased,
		"decreased": u.Decreased,
		"unchanged": u.Unchanged,
		"changed":   u.Changed,
	} {
		_, err := fn()
		if !errors.Is(err, ErrNoSearch) {
			t.Fatalf("%s: expected ErrNoSearch - got %v", name, err)
		}
	}

	err := u.Modify(1)
	if !errors.Is(err, ErrNoSearch) {
		t.Fatalf("expected ErrNoSearch - got %v", err)
	}

	_, err = u.CurrentValue()
	if !errors.Is(err, ErrNoSearch) {
		t.Fatalf("expected ErrNoSearch - got %v", err)
	}
}

func TestUnknownModifyWithoutSurvivors(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, make([]byte, 16))

	u := NewUnknown[int32](mem)
	_, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	n, err := u.Changed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 slots - got %d", n)
	}

	err = u.Modify(1)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate - got %v", err)
	}

	_, err = u.CurrentValue()
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate - got %v", err)
	}

	if mem.Writes != 0 {
		t.Fatalf("expected no writes - got %d", mem.Writes)
	}
}

func TestUnknownSplitsRuns(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, make([]byte, 32))

	u := NewUnknown[uint32](mem)
	_, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	fakemem.Put[uint32](mem, 0x1004, 1)
	fakemem.Put[uint32](mem, 0x1008, 1)
	fakemem.Put[uint32](mem, 0x1014, 1)

	n, err := u.Increased()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 slots - got %d", n)
	}

	if len(u.blocks) != 2 {
		t.Fatalf("expected 2 runs - got %d", len(u.blocks))
	}

	err = u.Modify(7)
	if err != nil {
		t.Fatal(err)
	}
	if fakemem.Get[uint32](mem, 0x1004) != 7 {
		t.Fatal("expected the first surviving slot to be modified")
	}
	if fakemem.Get[uint32](mem, 0x1008) != 1 {
		t.Fatal("expected the second surviving slot to be left alone")
	}
}

func TestUnknownDropsUnreadableRegions(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, make([]byte, 16))
	mem.Map(0x2000, make([]byte, 16))

	u := NewUnknown[uint8](mem)
	_, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	mem.Unmap(0x1000)
	n, err := u.Unchanged()
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("expected 16 slots - got %d", n)
	}

	mem.FailRead[0x2000] = system.ErrProcessGone
	_, err = u.Unchanged()
	if !errors.Is(err, system.ErrProcessGone) {
		t.Fatalf("expected ErrProcessGone - got %v", err)
	}
	if u.Count() != 16 {
		t.Fatalf("expected the failed refine to keep 16 slots - got %d", u.Count())
	}
}
