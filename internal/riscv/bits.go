package riscv

// Bit fields of the privileged CSRs, named per the RISC-V spec.
var (
	// mstatus
	MstatusSIE  = NewMask(1, 1)
	MstatusMIE  = NewMask(1, 3)
	MstatusSPIE = NewMask(1, 5)
	MstatusUBE  = NewMask(1, 6)
	MstatusMPIE = NewMask(1, 7)
	MstatusSPP  = NewMask(1, 8)
	MstatusMPP  = NewMask(2, 11)
	MstatusFS   = NewMask(2, 13)
	MstatusXS   = NewMask(2, 15)
	MstatusMPRV = NewMask(1, 17)
	MstatusSUM  = NewMask(1, 18)
	MstatusMXR  = NewMask(1, 19)
	MstatusTVM  = NewMask(1, 20)
	MstatusTW   = NewMask(1, 21)
	MstatusTSR  = NewMask(1, 22)
	MstatusUXL  = NewMask(2, 32)
	MstatusSD   = NewMask(1, 63)

	// sstatus (view of mstatus)
	SstatusSIE  = MstatusSIE
	SstatusSPIE = MstatusSPIE
	SstatusSPP  = MstatusSPP
	SstatusFS   = MstatusFS
	SstatusSUM  = MstatusSUM
	SstatusMXR  = MstatusMXR
	SstatusSD   = MstatusSD

	// mie / mip
	MieSSIE = NewMask(1, 1)
	MieMSIE = NewMask(1, 3)
	MieSTIE = NewMask(1, 5)
	MieMTIE = NewMask(1, 7)
	MieSEIE = NewMask(1, 9)
	MieMEIE = NewMask(1, 11)

	MipSSIP = MieSSIE
	MipMSIP = MieMSIE
	MipSTIP = MieSTIE
	MipMTIP = MieMTIE
	MipSEIP = MieSEIE
	MipMEIP = MieMEIE

	// sie / sip (views of mie / mip)
	SieSSIE = MieSSIE
	SieSTIE = MieSTIE
	SieSEIE = MieSEIE
	SipSSIP = MipSSIP
	SipSTIP = MipSTIP
	SipSEIP = MipSEIP

	// scause
	ScauseInterrupt = NewMask(1, 63)
	ScauseCode      = NewMask(63, 0)

	// satp
	SatpPPN  = NewMask(44, 0)
	SatpASID = NewMask(16, 44)
	SatpMODE = NewMask(4, 60)

	// mtvec / stvec
	MtvecMODE = NewMask(2, 0)
	MtvecBASE = NewMask(62, 2)
	StvecMODE = MtvecMODE
	StvecBASE = MtvecBASE
)

// SatpMode is the address-translation scheme selected by satp.MODE.
type SatpMode uint64

const (
	SatpBare SatpMode = 0
	SatpSv39 SatpMode = 8
	SatpSv48 SatpMode = 9
	SatpSv57 SatpMode = 10
	SatpSv64 SatpMode = 11
)

// Exception causes.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (bit 63 set).
const (
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseSTimerInt    uint64 = (1 << 63) | 5
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseMExternalInt uint64 = (1 << 63) | 11
)

// Integer register indices (ABI names).
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegFP   = 8 // s0
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)
