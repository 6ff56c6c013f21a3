//go:build linux

package search

import (
	"errors"
	"testing"

	"github.com/jordhan-carvalho/trainer/internal/labrat"
	"github.com/jordhan-carvalho/trainer/system"
)

func openRat(t *testing.T, kind string) (*labrat.Rat, *system.Memory) {
	t.Helper()

	rat, err := labrat.Start(kind)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rat.Close() })

	mem, err := system.Open(rat.PID)
	if errors.Is(err, system.ErrAccessDenied) {
		t.Skipf("cannot access lab rat memory - %s", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	return rat, mem
}

func send(t *testing.T, rat *labrat.Rat, command string) string {
	t.Helper()

	res, err := rat.Send(command)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestKnownOnLabRat(t *testing.T) {
	rat, mem := openRat(t, "i64")

	k := NewKnown(mem, system.PolicyWritable)
	n, err := Search[int64](k, labrat.Initial)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected at least 1 candidate after the search")
	}

	if res := send(t, rat, "modify"); res != "54321" {
		t.Fatalf("expected 54321 - got %q", res)
	}

	n, err = Refine[int64](k, labrat.Modified)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected at least 1 candidate after the first refine")
	}

	// The rat formats 54321 to answer "modify", so a stale copy of it may
	// still sit in a stack slot or buffer that the search also matched.
	// "+" moves the real value on without formatting anything, which
	// leaves the rat's integer as the only slot holding 54322.
	send(t, rat, "+")

	n, err = Refine[int64](k, labrat.Modified+1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 candidate - got %d (%x)", n, k.Addresses(10))
	}
	if k.Addresses(1)[0] != rat.Addr {
		t.Fatalf("expected candidate 0x%x - got 0x%x", rat.Addr, k.Addresses(1)[0])
	}

	err = Modify[int64](k, 424242)
	if errors.Is(err, system.ErrAccessDenied) {
		t.Skipf("cannot write lab rat memory - %s", err)
	}
	if err != nil {
		t.Fatal(err)
	}

	if res := send(t, rat, "print"); res != "424242" {
		t.Fatalf("expected 424242 - got %q", res)
	}
}

func TestUnknownOnLabRat(t *testing.T) {
	rat, mem := openRat(t, "i64")

	u := NewUnknown[int64](mem)
	n, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected at least 1 slot after the search")
	}

	steps := []struct {
		command string
		refine  func() (int, error)
	}{
		{"+", u.Increased},
		{"nop", u.Unchanged},
		{"-", u.Decreased},
		{"+", u.Changed},
		{"+", u.Increased},
	}

	for _, step := range steps {
		send(t, rat, step.command)

		prev := u.Count()
		n, err := step.refine()
		if err != nil {
			t.Fatal(err)
		}
		if n > prev {
			t.Fatalf("%q grew the survivors from %d to %d", step.command, prev, n)
		}

		var found bool
		for _, addr := range u.Addresses(0) {
			if addr == rat.Addr {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("lab rat value at 0x%x was eliminated after %q", rat.Addr, step.command)
		}
	}
}

func TestUnknownSmallWidthOnLabRat(t *testing.T) {
	rat, mem := openRat(t, "i8")

	u := NewUnknown[int8](mem)
	n, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected at least 1 slot after the search")
	}

	steps := []struct {
		command string
		refine  func() (int, error)
	}{
		{"+", u.Increased},
		{"nop", u.Unchanged},
		{"-", u.Decreased},
		{"-", u.Changed},
	}

	for i := 0; i < 8 && u.Count() > 1; i++ {
		for _, step := range steps {
			send(t, rat, step.command)

			_, err := step.refine()
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	addrs := u.Addresses(10)
	if len(addrs) != 1 {
		t.Fatalf("expected a single survivor - got %d (%x)", u.Count(), addrs)
	}
	if addrs[0] != rat.Addr {
		t.Fatalf("expected survivor 0x%x - got 0x%x", rat.Addr, addrs[0])
	}

	err = u.Modify(-42)
	if errors.Is(err, system.ErrAccessDenied) {
		t.Skipf("cannot write lab rat memory - %s", err)
	}
	if err != nil {
		t.Fatal(err)
	}

	if res := send(t, rat, "print"); res != "-42" {
		t.Fatalf("expected -42 - got %q", res)
	}
}

func TestRefineOnUnreapedLabRat(t *testing.T) {
	rat, mem := openRat(t, "i64")

	k := NewKnown(mem, system.PolicyWritable)
	n, err := Search[int64](k, labrat.Initial)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected at least 1 candidate")
	}

	u := NewUnknown[int64](mem)
	slots, err := u.Search()
	if err != nil {
		t.Fatal(err)
	}

	err = rat.Kill()
	if err != nil {
		t.Fatal(err)
	}

	_, err = Refine[int64](k, labrat.Initial)
	if !errors.Is(err, system.ErrProcessGone) {
		t.Fatalf("expected ErrProcessGone - got %v", err)
	}
	if k.Count() != n {
		t.Fatalf("expected the failed refine to keep %d candidates - got %d", n, k.Count())
	}

	_, err = u.Unchanged()
	if !errors.Is(err, system.ErrProcessGone) {
		t.Fatalf("expected ErrProcessGone - got %v", err)
	}
	if u.Count() != slots {
		t.Fatalf("expected the failed predicate to keep %d slots - got %d", slots, u.Count())
	}
}
