package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jordhan-carvalho/trainer/scalar"
	"github.com/jordhan-carvalho/trainer/search"
	"github.com/jordhan-carvalho/trainer/system"
)

const shellHelp = `commands:
  search <value>   start a search for a known value
  refine <value>   keep candidates that now hold value
  scan             start a search for an unknown value
  up | down        keep slots that increased | decreased
  same | different keep slots that stayed the same | changed
  modify <value>   write value to the first candidate
  print            show the value at the first candidate
  list [n]         show up to n candidate addresses (default 10)
  width <kind>     use i8 i16 i32 i64 u8 u16 u32 u64 int or uint
  exit | quit      leave
scans are not atomic: the target keeps running while regions are read`

// typedOps runs the width specific engine calls for one scalar kind.
type typedOps interface {
	search(k *search.Known, arg string) (int, error)
	refine(k *search.Known, arg string) (int, error)
	modify(k *search.Known, arg string) error
	value(k *search.Known) (string, error)
	newUnknown(mem search.Memory) unknownOps
}

type unknownOps interface {
	Active() bool
	Reset()
	Search() (int, error)
	Increased() (int, error)
	Decreased() (int, error)
	Unchanged() (int, error)
	Changed() (int, error)
	Count() int
	Addresses(limit int) []uintptr
	modify(arg string) error
	current() (string, error)
}

type typed[T scalar.Integer] struct{}

func (typed[T]) search(k *search.Known, arg string) (int, error) {
	v, err := scalar.Parse[T](arg)
	if err != nil {
		return 0, err
	}
	return search.Search(k, v)
}

func (typed[T]) refine(k *search.Known, arg string) (int, error) {
	v, err := scalar.Parse[T](arg)
	if err != nil {
		return 0, err
	}
	return search.Refine(k, v)
}

func (typed[T]) modify(k *search.Known, arg string) error {
	v, err := scalar.Parse[T](arg)
	if err != nil {
		return err
	}
	return search.Modify(k, v)
}

func (typed[T]) value(k *search.Known) (string, error) {
	v, err := search.Value[T](k)
	if err != nil {
		return "", err
	}
	return format(v), nil
}

func (typed[T]) newUnknown(mem search.Memory) unknownOps {
	return typedUnknown[T]{search.NewUnknown[T](mem)}
}

type typedUnknown[T scalar.Integer] struct {
	*search.Unknown[T]
}

func (o typedUnknown[T]) modify(arg string) error {
	v, err := scalar.Parse[T](arg)
	if err != nil {
		return err
	}
	return o.Modify(v)
}

func (o typedUnknown[T]) current() (string, error) {
	v, err := o.CurrentValue()
	if err != nil {
		return "", err
	}
	return format(v), nil
}

func format[T scalar.Integer](v T) string {
	if scalar.Signed[T]() {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatUint(uint64(v), 10)
}

func opsFor(kind scalar.Kind) typedOps {
	switch kind {
	case scalar.I8:
		return typed[int8]{}
	case scalar.I16:
		return typed[int16]{}
	case scalar.I64:
		return typed[int64]{}
	case scalar.U8:
		return typed[uint8]{}
	case scalar.U16:
		return typed[uint16]{}
	case scalar.U32:
		return typed[uint32]{}
	case scalar.U64:
		return typed[uint64]{}
	case scalar.Int:
		return typed[int]{}
	case scalar.Uint:
		return typed[uint]{}
	}
	return typed[int32]{}
}

// shell reads one command per line and drives the engines. At most one
// engine is active; starting a search resets the other one.
type shell struct {
	mem     search.Memory
	kind    scalar.Kind
	ops     typedOps
	known   *search.Known
	unknown unknownOps
	out     io.Writer
}

func newShell(mem search.Memory, policy system.Policy, kind scalar.Kind, out io.Writer) *shell {
	return &shell{
		mem:   mem,
		kind:  kind,
		ops:   opsFor(kind),
		known: search.NewKnown(mem, policy),
		out:   out,
	}
}

func (o *shell) unknownActive() bool {
	return o.unknown != nil && o.unknown.Active()
}

func (o *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(o.out, format, args...)
}

func (o *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	o.printf("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			done, err := o.exec(fields[0], fields[1:])
			if err != nil {
				o.printf("error: %s\n", err)
			}
			if done {
				return nil
			}
		}
		o.printf("> ")
	}
	return scanner.Err()
}

func (o *shell) exec(command string, args []string) (bool, error) {
	arg := func() (string, error) {
		if len(args) != 1 {
			return "", errors.Errorf("usage: %s <value>", command)
		}
		return args[0], nil
	}

	switch command {
	case "search":
		v, err := arg()
		if err != nil {
			return false, err
		}
		n, err := o.ops.search(o.known, v)
		if err != nil {
			return false, err
		}
		if o.unknown != nil {
			o.unknown.Reset()
		}
		o.printf("%d candidates\n", n)
	case "refine":
		v, err := arg()
		if err != nil {
			return false, err
		}
		n, err := o.ops.refine(o.known, v)
		if err != nil {
			return false, err
		}
		o.printf("%d candidates\n", n)
	case "scan":
		u := o.ops.newUnknown(o.mem)
		n, err := u.Search()
		if err != nil {
			return false, err
		}
		o.unknown = u
		o.known.Reset()
		o.printf("%d candidates\n", n)
	case "up", "down", "same", "different":
		if !o.unknownActive() {
			return false, search.ErrNoSearch
		}
		refine := map[string]func() (int, error){
			"up":        o.unknown.Increased,
			"down":      o.unknown.Decreased,
			"same":      o.unknown.Unchanged,
			"different": o.unknown.Changed,
		}[command]
		n, err := refine()
		if err != nil {
			return false, err
		}
		o.printf("%d candidates\n", n)
	case "modify":
		v, err := arg()
		if err != nil {
			return false, err
		}
		switch {
		case o.known.Active():
			return false, o.ops.modify(o.known, v)
		case o.unknownActive():
			return false, o.unknown.modify(v)
		}
		return false, search.ErrNoSearch
	case "print":
		var s string
		var err error
		switch {
		case o.known.Active():
			s, err = o.ops.value(o.known)
		case o.unknownActive():
			s, err = o.unknown.current()
		default:
			err = search.ErrNoSearch
		}
		if err != nil {
			return false, err
		}
		o.printf("%s\n", s)
	case "list":
		limit := 10
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return false, errors.Wrap(err, "usage: list [n]")
			}
			limit = n
		}
		var addrs []uintptr
		switch {
		case o.known.Active():
			addrs = o.known.Addresses(limit)
		case o.unknownActive():
			addrs = o.unknown.Addresses(limit)
		default:
			return false, search.ErrNoSearch
		}
		for _, addr := range addrs {
			o.printf("0x%x\n", addr)
		}
	case "width":
		v, err := arg()
		if err != nil {
			return false, err
		}
		kind, err := scalar.ParseKind(v)
		if err != nil {
			return false, err
		}
		o.kind = kind
		o.ops = opsFor(kind)
		// Unknown baselines are stored at a fixed width.
		if o.unknown != nil {
			o.unknown.Reset()
		}
		o.printf("width %s\n", kind)
	case "help":
		o.printf("%s\n", shellHelp)
	case "exit", "quit":
		return true, nil
	default:
		return false, errors.Errorf("unknown command %q, try help", command)
	}

	return false, nil
}
