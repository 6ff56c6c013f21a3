package scalar

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind names one of the supported scalar types at runtime. Code that must
// pick a width from user input switches on a Kind and then calls the
// generic functions with the matching type.
type Kind int

const (
	I8 Kind = iota
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	Int
	Uint
)

var kindNames = map[Kind]string{
	I8:   "i8",
	I16:  "i16",
	I32:  "i32",
	I64:  "i64",
	U8:   "u8",
	U16:  "u16",
	U32:  "u32",
	U64:  "u64",
	Int:  "int",
	Uint: "uint",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

// Size returns the width of the kind in bytes.
func (k Kind) Size() int {
	switch k {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32:
		return 4
	case I64, U64:
		return 8
	case Int:
		return Size[int]()
	case Uint:
		return Size[uint]()
	}
	return 0
}

// Kinds lists every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{I8, I16, I32, I64, U8, U16, U32, U64, Int, Uint}
}

// ParseKind converts a name such as "i32" or "u8" into a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unsupported scalar kind %q", s)
}
