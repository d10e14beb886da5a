//go:build unix

package machine

import "golang.org/x/sys/unix"

// allocRegion maps anonymous page-aligned memory for guest RAM, the
// same way the hypervisor backends allocate guest physical memory.
func allocRegion(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}
