package machine

// virtio MMIO register offsets probed by guests.
const (
	virtioMagic    = 0x000
	virtioVersion  = 0x004
	virtioDeviceID = 0x008
	virtioVendorID = 0x00c
)

// VirtioStub is the one-page virtio disk window. The disk driver is an
// external collaborator; the stub answers the identification probe and
// absorbs everything else so the kernel can map and touch the window.
type VirtioStub struct{}

// Size implements Device.
func (v *VirtioStub) Size() uint64 { return VirtIO0Size }

// Read implements Device.
func (v *VirtioStub) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case virtioMagic:
		return 0x74726976, nil // "virt"
	case virtioVersion:
		return 2, nil
	case virtioDeviceID:
		return 2, nil // block device
	case virtioVendorID:
		return 0x554d4551, nil // "QEMU"
	}
	return 0, nil
}

// Write implements Device.
func (v *VirtioStub) Write(offset uint64, size int, value uint64) error {
	return nil
}

var _ Device = (*VirtioStub)(nil)
