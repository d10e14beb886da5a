package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xv6/internal/riscv/paging"
)

var busEndian = binary.LittleEndian

// Device is a memory-mapped peripheral.
type Device interface {
	// Read reads from the device at the given offset.
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset.
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address window.
	Size() uint64
}

// RAM is the board's contiguous physical memory region.
type RAM struct {
	base uint64
	data []byte
}

// NewRAM allocates a RAM region of size bytes based at base. The
// backing store is mmap-allocated where the platform supports it.
func NewRAM(base, size uint64) (*RAM, error) {
	data, err := allocRegion(size)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes of guest RAM: %w", size, err)
	}
	return &RAM{base: base, data: data}, nil
}

// Base returns the guest physical address RAM starts at.
func (m *RAM) Base() uint64 { return m.base }

// Size returns the region size in bytes.
func (m *RAM) Size() uint64 { return uint64(len(m.data)) }

// End returns one past the last RAM address.
func (m *RAM) End() uint64 { return m.base + uint64(len(m.data)) }

// Contains reports whether pa falls inside RAM.
func (m *RAM) Contains(pa uint64) bool { return pa >= m.base && pa < m.End() }

// Page returns the 4 KiB frame containing pa, implementing the paging
// engine's view of physical memory.
func (m *RAM) Page(pa paging.PhysAddr) ([]byte, error) {
	base := uint64(pa.PageRoundDown())
	if !m.Contains(base) || base+paging.PageSize > m.End() {
		return nil, fmt.Errorf("page 0x%x outside RAM [0x%x, 0x%x)", base, m.base, m.End())
	}
	off := base - m.base
	return m.data[off : off+paging.PageSize : off+paging.PageSize], nil
}

// Slice returns length bytes of RAM starting at pa.
func (m *RAM) Slice(pa, length uint64) ([]byte, error) {
	if !m.Contains(pa) || pa+length > m.End() {
		return nil, fmt.Errorf("range [0x%x, 0x%x) outside RAM", pa, pa+length)
	}
	off := pa - m.base
	return m.data[off : off+length : off+length], nil
}

func (m *RAM) read(off uint64, size int) (uint64, error) {
	if off+uint64(size) > uint64(len(m.data)) {
		return 0, fmt.Errorf("RAM read out of bounds: offset=0x%x size=%d", off, size)
	}
	switch size {
	case 1:
		return uint64(m.data[off]), nil
	case 2:
		return uint64(busEndian.Uint16(m.data[off:])), nil
	case 4:
		return uint64(busEndian.Uint32(m.data[off:])), nil
	case 8:
		return busEndian.Uint64(m.data[off:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

func (m *RAM) write(off uint64, size int, value uint64) error {
	if off+uint64(size) > uint64(len(m.data)) {
		return fmt.Errorf("RAM write out of bounds: offset=0x%x size=%d", off, size)
	}
	switch size {
	case 1:
		m.data[off] = byte(value)
	case 2:
		busEndian.PutUint16(m.data[off:], uint16(value))
	case 4:
		busEndian.PutUint32(m.data[off:], uint32(value))
	case 8:
		busEndian.PutUint64(m.data[off:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

type deviceMapping struct {
	base uint64
	size uint64
	dev  Device
}

// Bus routes physical addresses to RAM and device windows.
type Bus struct {
	ram     *RAM
	devices []deviceMapping
}

// NewBus creates a bus over the given RAM region.
func NewBus(ram *RAM) *Bus {
	return &Bus{ram: ram}
}

// RAM returns the bus's memory region.
func (b *Bus) RAM() *RAM { return b.ram }

// AddDevice maps a device window at base.
func (b *Bus) AddDevice(base uint64, dev Device) {
	b.devices = append(b.devices, deviceMapping{base: base, size: dev.Size(), dev: dev})
}

// Read reads size bytes at addr.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	if b.ram.Contains(addr) {
		return b.ram.read(addr-b.ram.base, size)
	}
	for _, m := range b.devices {
		if addr >= m.base && addr < m.base+m.size {
			return m.dev.Read(addr-m.base, size)
		}
	}
	return 0, fmt.Errorf("no device at address 0x%x", addr)
}

// Write writes size bytes at addr.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	if b.ram.Contains(addr) {
		return b.ram.write(addr-b.ram.base, size, value)
	}
	for _, m := range b.devices {
		if addr >= m.base && addr < m.base+m.size {
			return m.dev.Write(addr-m.base, size, value)
		}
	}
	return fmt.Errorf("no device at address 0x%x", addr)
}

func (b *Bus) Read8(addr uint64) (uint8, error) {
	v, err := b.Read(addr, 1)
	return uint8(v), err
}

func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}

func (b *Bus) Read64(addr uint64) (uint64, error) {
	return b.Read(addr, 8)
}

func (b *Bus) Write8(addr uint64, value uint8) error {
	return b.Write(addr, 1, uint64(value))
}

func (b *Bus) Write32(addr uint64, value uint32) error {
	return b.Write(addr, 4, uint64(value))
}

func (b *Bus) Write64(addr uint64, value uint64) error {
	return b.Write(addr, 8, value)
}
