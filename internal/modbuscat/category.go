// Package modbuscat defines the closed set of Modbus object categories and the
// wire tag grammar shared by the transport, connection manager, and measurement
// layers.
package modbuscat

import (
	"fmt"
	"strconv"
	"strings"
)

// Category is the closed set of Modbus object categories this system
// understands: coils/discrete inputs carry booleans, holding/input registers
// carry unsigned 16-bit integers.
type Category int

const (
	Coil Category = iota
	DiscreteInput
	HoldingRegister
	InputRegister
)

// String returns the tag-grammar spelling of the category, e.g. "holding-register".
func (c Category) String() string {
	switch c {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete-input"
	case HoldingRegister:
		return "holding-register"
	case InputRegister:
		return "input-register"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// IsBoolean reports whether the category carries boolean values (coil,
// discrete input) as opposed to unsigned-16 register values.
func (c Category) IsBoolean() bool {
	return c == Coil || c == DiscreteInput
}

// Valid reports whether c is one of the four defined categories.
func (c Category) Valid() bool {
	switch c {
	case Coil, DiscreteInput, HoldingRegister, InputRegister:
		return true
	default:
		return false
	}
}

// Tag builds the wire tag string for a category, address and count:
//
//	tag     = category ":" address ( "[" count "]" )?
//
// Single-element reads/writes omit the bracketed count.
func Tag(c Category, address, count uint16) string {
	if count <= 1 {
		return fmt.Sprintf("%s:%d", c, address)
	}
	return fmt.Sprintf("%s:%d[%d]", c, address, count)
}

// ParseTag parses a tag string produced by Tag back into its parts. Count is
// 1 when the tag omits a bracketed count.
func ParseTag(tag string) (c Category, address uint16, count uint16, err error) {
	colon := strings.IndexByte(tag, ':')
	if colon < 0 {
		return 0, 0, 0, fmt.Errorf("modbuscat: malformed tag %q: missing ':'", tag)
	}

	switch tag[:colon] {
	case "coil":
		c = Coil
	case "discrete-input":
		c = DiscreteInput
	case "holding-register":
		c = HoldingRegister
	case "input-register":
		c = InputRegister
	default:
		return 0, 0, 0, fmt.Errorf("modbuscat: malformed tag %q: unknown category %q", tag, tag[:colon])
	}

	rest := tag[colon+1:]
	count = 1

	if open := strings.IndexByte(rest, '['); open >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return 0, 0, 0, fmt.Errorf("modbuscat: malformed tag %q: unterminated count", tag)
		}
		addrPart := rest[:open]
		countPart := rest[open+1 : len(rest)-1]

		n, perr := strconv.ParseUint(countPart, 10, 16)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("modbuscat: malformed tag %q: bad count: %w", tag, perr)
		}
		count = uint16(n)
		rest = addrPart
	}

	a, perr := strconv.ParseUint(rest, 10, 16)
	if perr != nil {
		return 0, 0, 0, fmt.Errorf("modbuscat: malformed tag %q: bad address: %w", tag, perr)
	}
	address = uint16(a)

	return c, address, count, nil
}
