package spiflash

import (
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// Opcode is a single byte SPI NOR flash instruction.
// Values follow the W25Q512JV instruction set.
type Opcode uint8

const (
	OpWriteEnable         Opcode = 0x06
	OpVolatileWriteEnable Opcode = 0x50
	OpWriteDisable        Opcode = 0x04
	OpReleasePowerDown    Opcode = 0xAB
	OpManufacturerID      Opcode = 0x90 // Manufacturer/Device ID.
	OpJEDECID             Opcode = 0x9F
	OpUniqueID            Opcode = 0x4B
	OpRead                Opcode = 0x03
	OpFastRead            Opcode = 0x0C // Fast Read with 4-byte address.
	OpPageProgram         Opcode = 0x02
	OpEraseSector         Opcode = 0x20 // 4KiB.
	OpEraseHalfBlock      Opcode = 0x52 // 32KiB.
	OpEraseBlock          Opcode = 0xD8 // 64KiB.
	OpEraseChip           Opcode = 0xC7
	OpReadStatus1         Opcode = 0x05
	OpReadStatus2         Opcode = 0x35
	OpReadStatus3         Opcode = 0x15
	OpWriteStatus1        Opcode = 0x01
	OpWriteStatus2        Opcode = 0x31
	OpWriteStatus3        Opcode = 0x11
	OpReadSFDP            Opcode = 0x5A
	OpEraseSecurity       Opcode = 0x44
	OpProgramSecurity     Opcode = 0x42
	OpReadSecurity        Opcode = 0x48
	OpEraseSuspend        Opcode = 0x75
	OpEraseResume         Opcode = 0x7A
	OpPowerDown           Opcode = 0xB9
	OpEnter4ByteAddr      Opcode = 0xB7
	OpEnableReset         Opcode = 0x66
	OpResetDevice         Opcode = 0x99
)

// Fixed geometry. Not queried from the chip.
const (
	PageSize      = 1 << 8  // 256 B
	SectorSize    = 1 << 12 // 4 KiB
	HalfBlockSize = 1 << 15 // 32 KiB
	BlockSize     = 1 << 16 // 64 KiB
)

const (
	addrLen = 4 // Every address-bearing command uses 32 bit addresses.
	// Fast read requires 8 dummy clocks after the address.
	fastReadDummy = 1
)

// ReadHeaderSize is the number of bytes clocked out before data in a read
// transaction: opcode, address and dummy byte.
const ReadHeaderSize = 1 + addrLen + fastReadDummy

func (op Opcode) String() (s string) {
	switch op {
	case OpWriteEnable:
		s = "write-enable"
	case OpVolatileWriteEnable:
		s = "volatile-write-enable"
	case OpWriteDisable:
		s = "write-disable"
	case OpReleasePowerDown:
		s = "release-power-down"
	case OpManufacturerID:
		s = "manufacturer-id"
	case OpJEDECID:
		s = "jedec-id"
	case OpUniqueID:
		s = "unique-id"
	case OpRead:
		s = "read"
	case OpFastRead:
		s = "fast-read"
	case OpPageProgram:
		s = "page-program"
	case OpEraseSector:
		s = "erase-sector"
	case OpEraseHalfBlock:
		s = "erase-half-block"
	case OpEraseBlock:
		s = "erase-block"
	case OpEraseChip:
		s = "erase-chip"
	case OpReadStatus1:
		s = "read-status1"
	case OpReadStatus2:
		s = "read-status2"
	case OpReadStatus3:
		s = "read-status3"
	case OpWriteStatus1:
		s = "write-status1"
	case OpWriteStatus2:
		s = "write-status2"
	case OpWriteStatus3:
		s = "write-status3"
	case OpReadSFDP:
		s = "read-sfdp"
	case OpEraseSecurity:
		s = "erase-security"
	case OpProgramSecurity:
		s = "program-security"
	case OpReadSecurity:
		s = "read-security"
	case OpEraseSuspend:
		s = "erase-suspend"
	case OpEraseResume:
		s = "erase-resume"
	case OpPowerDown:
		s = "power-down"
	case OpEnter4ByteAddr:
		s = "enter-4byte-addr"
	case OpEnableReset:
		s = "enable-reset"
	case OpResetDevice:
		s = "reset-device"
	default:
		s = "op(0x" + strconv.FormatUint(uint64(op), 16) + ")"
	}
	return s
}

// AddressBytes returns the number of address bytes that follow the opcode
// on the wire once the device is in 4-byte address mode.
// SFDP reads always use a 3 byte address.
func (op Opcode) AddressBytes() int {
	switch op {
	case OpRead, OpFastRead, OpPageProgram, OpEraseSector, OpEraseHalfBlock, OpEraseBlock,
		OpEraseSecurity, OpProgramSecurity, OpReadSecurity:
		return addrLen
	case OpReadSFDP:
		return 3
	}
	return 0
}

// DummyBytes returns the number of dummy bytes sent after the address phase.
func (op Opcode) DummyBytes() int {
	switch op {
	case OpFastRead, OpReadSFDP, OpReadSecurity:
		return fastReadDummy
	case OpUniqueID:
		return 5 // 4 dummy bytes plus one in 4-byte address mode.
	}
	return 0
}

// Status is the value of status register 1.
//
//	Bit | Name
//	----+--------------------------------
//	7   | SRP: Status Register Protect
//	6   | TB: Top/Bottom protect
//	5:2 | BP3-0: Block Protect
//	1   | WEL: Write Enable Latch
//	0   | BUSY: Erase/Write in progress
type Status uint8

const (
	StatusBusy  Status = 1 << 0
	StatusWEL   Status = 1 << 1
	StatusBP0   Status = 1 << 2
	StatusBP1   Status = 1 << 3
	StatusBP2   Status = 1 << 4
	StatusBP3   Status = 1 << 5
	StatusTB    Status = 1 << 6
	StatusSRP   Status = 1 << 7
	statusBPPos        = 2
)

func (s Status) Busy() bool         { return s&StatusBusy != 0 }
func (s Status) WriteEnabled() bool { return s&StatusWEL != 0 }
func (s Status) TopBottom() bool    { return s&StatusTB != 0 }
func (s Status) SRP() bool          { return s&StatusSRP != 0 }

// BlockProtect returns the 4 bit block protect field BP3-BP0.
func (s Status) BlockProtect() uint8 { return uint8(s>>statusBPPos) & 0xf }

// Ready reports whether the device is neither busy nor holding the write latch.
func (s Status) Ready() bool { return s&(StatusBusy|StatusWEL) == 0 }

func (s Status) String() string {
	var flags []string
	if s.SRP() {
		flags = append(flags, "SRP")
	}
	if s.TopBottom() {
		flags = append(flags, "TB")
	}
	if bp := s.BlockProtect(); bp != 0 {
		flags = append(flags, "BP="+strconv.Itoa(int(bp)))
	}
	if s.WriteEnabled() {
		flags = append(flags, "WEL")
	}
	if s.Busy() {
		flags = append(flags, "BUSY")
	}
	bin := strconv.FormatUint(uint64(s)|0x100, 2)[1:]
	if len(flags) == 0 {
		return bin
	}
	return bin + " " + strings.Join(flags, ",")
}

// putAddr encodes addr big endian into the first 4 bytes of dst.
func putAddr(dst []byte, addr uint32) {
	_ = dst[3]
	dst[0] = byte(addr >> 24)
	dst[1] = byte(addr >> 16)
	dst[2] = byte(addr >> 8)
	dst[3] = byte(addr)
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

// JEDEC manufacturer IDs of common SPI NOR vendors.
const (
	MfrWinbond  = 0xEF
	MfrMacronix = 0xC2
	MfrMicron   = 0x20
	MfrGigaDev  = 0xC8
)

// CapacityW25Q512 is the size of a 512Mbit chip such as the Winbond W25Q512JV.
const CapacityW25Q512 = 64 << 20
