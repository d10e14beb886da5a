// Package riscv models the RV64 privileged register file: bit-field
// masks, privilege levels, and the per-hart CSR and integer register
// state the kernel manipulates.
package riscv

import "fmt"

const bitIndex = "FEDCBA9876543210FEDCBA9876543210FEDCBA9876543210FEDCBA9876543210"

// Mask selects a contiguous bit field of a 64-bit machine word by
// position and width. The zero Mask selects nothing.
type Mask struct {
	bits  uint64
	width uint
	shift uint
}

// NewMask creates a mask of width bits starting at shift.
// It panics if the field does not fit in a 64-bit word.
func NewMask(width, shift uint) Mask {
	if width+shift > 64 {
		panic(fmt.Sprintf("riscv: mask out of range: width=%d shift=%d", width, shift))
	}
	var bits uint64
	if width == 64 {
		bits = ^uint64(0)
	} else {
		bits = ((1 << width) - 1) << shift
	}
	return Mask{bits: bits, width: width, shift: shift}
}

// Get extracts the field value from target.
func (m Mask) Get(target uint64) uint64 {
	return (target & m.bits) >> m.shift
}

// GetRaw returns target with all bits outside the field cleared.
func (m Mask) GetRaw(target uint64) uint64 {
	return target & m.bits
}

// Set returns target with the field replaced by value.
func (m Mask) Set(target, value uint64) uint64 {
	return (target &^ m.bits) | ((value << m.shift) & m.bits)
}

// SetAll returns target with every bit of the field set.
func (m Mask) SetAll(target uint64) uint64 {
	return target | m.bits
}

// Clear returns target with every bit of the field cleared.
func (m Mask) Clear(target uint64) uint64 {
	return target &^ m.bits
}

// Fill returns the field alone, holding value.
func (m Mask) Fill(value uint64) uint64 {
	return m.Set(0, value)
}

// Bits returns the raw mask bits.
func (m Mask) Bits() uint64 { return m.bits }

// Width returns the field width in bits.
func (m Mask) Width() uint { return m.width }

// Shift returns the field position.
func (m Mask) Shift() uint { return m.shift }

// Or composes two masks into one spanning from the lower shift to the
// higher field end. The raw bits are the union, so sparse composites
// keep their gaps.
func (m Mask) Or(o Mask) Mask {
	shift := m.shift
	if o.shift < shift {
		shift = o.shift
	}
	end := m.shift + m.width
	if oend := o.shift + o.width; oend > end {
		end = oend
	}
	return Mask{bits: m.bits | o.bits, width: end - shift, shift: shift}
}

// String renders the raw mask bits in hex.
func (m Mask) String() string {
	return fmt.Sprintf("%016X", m.bits)
}

// Format renders the mask; the + flag prints a bit-indexed 64-column map.
func (m Mask) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('+') {
		fmt.Fprintf(f, "\n%s\n%064b\n", bitIndex, m.bits)
		return
	}
	fmt.Fprint(f, m.String())
}
