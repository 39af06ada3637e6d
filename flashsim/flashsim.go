// Package flashsim simulates a SPI NOR flash chip at the command level.
// A *Chip implements spiflash.Transport so a spiflash.Device can be driven
// against it without hardware.
//
// Simulated behavior:
//   - Programming only clears bits (AND) and wraps within the addressed page.
//   - Program, erase and status writes require the write enable latch and
//     keep the busy bit set for a configurable number of status polls.
//   - Commands other than status reads are ignored while busy.
//   - Page program, read and erase use 3 byte addresses until the enter
//     4-byte address mode command is received. Fast read (0x0C) always uses 4.
//   - Enable reset followed by reset device restores power-up state.
//
// A Chip is not safe for concurrent use.
package flashsim

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/spiflash"
	"golang.org/x/exp/constraints"
)

var (
	ErrNoTransaction = errors.New("flashsim: byte exchange outside of transaction")
	ErrInTransaction = errors.New("flashsim: transaction already started")
	ErrInjected      = errors.New("flashsim: injected fault")
)

type Config struct {
	// Size in bytes. Must be a power of two multiple of the block size.
	Size         int
	Manufacturer uint8
	Device       uint8
	JEDEC        [3]byte
	UniqueID     uint64
	// SFDP is the SFDP address space image. Reads past its end return 0xff.
	SFDP []byte
	// ProgramPolls and ErasePolls are the number of status register 1 reads
	// that observe the busy bit after a program or erase.
	ProgramPolls int
	ErasePolls   int
	// FourByteDefault is the ADP power-up default: start in 4-byte address mode.
	FourByteDefault bool
}

// W25Q512 returns the configuration of a Winbond W25Q512JV shrunk to size bytes.
func W25Q512(size int) Config {
	return Config{
		Size:         size,
		Manufacturer: spiflash.MfrWinbond,
		Device:       0x19,
		JEDEC:        [3]byte{spiflash.MfrWinbond, 0x40, 0x20},
		UniqueID:     0xd1_5e_a5_e0_0f_f1_ce_01,
		SFDP:         BasicSFDP(size, byte(spiflash.OpEraseSector)),
		ProgramPolls: 2,
		ErasePolls:   4,
	}
}

// Chip is a simulated flash chip.
type Chip struct {
	cfg  Config
	mem  []byte
	sfdp []byte

	status [3]uint8
	addr4  bool
	// polls left until the in-progress operation completes.
	busyPolls    int
	resetEnabled bool
	poweredDown  bool

	intxn   bool
	rx      []byte // bytes received from the host in this transaction.
	clocked int    // bytes exchanged in this transaction.
	failed  bool

	ops    []spiflash.Opcode
	counts map[spiflash.Opcode]int
	faults []fault
}

type fault struct {
	op  spiflash.Opcode
	nth int
	err error
}

var _ spiflash.Transport = (*Chip)(nil)

// New returns an erased chip in its power-up state.
func New(cfg Config) *Chip {
	if cfg.Size <= 0 || cfg.Size&(cfg.Size-1) != 0 || cfg.Size < spiflash.BlockSize {
		panic("flashsim: size must be a power of two and at least one block")
	}
	c := &Chip{
		cfg:    cfg,
		mem:    make([]byte, cfg.Size),
		sfdp:   cfg.SFDP,
		counts: make(map[spiflash.Opcode]int),
	}
	for i := range c.mem {
		c.mem[i] = 0xff
	}
	c.reset()
	return c
}

// Mem returns the chip contents. Writes to it modify the chip.
func (c *Chip) Mem() []byte { return c.mem }

// Ops returns the opcodes of every completed transaction in order.
func (c *Chip) Ops() []spiflash.Opcode { return c.ops }

// ClearOps discards the recorded opcode history.
func (c *Chip) ClearOps() { c.ops = c.ops[:0] }

// Count returns how many transactions with opcode op completed.
func (c *Chip) Count(op spiflash.Opcode) int { return c.counts[op] }

// FourByteMode reports whether the chip is in 4-byte address mode.
func (c *Chip) FourByteMode() bool { return c.addr4 }

// Status returns the raw status register values.
func (c *Chip) Status() [3]uint8 {
	s := c.status
	if c.addr4 {
		s[2] |= statusADS
	}
	return s
}

// SetBusy sets the busy bit for the next polls status register 1 reads.
func (c *Chip) SetBusy(polls int) {
	c.busyPolls = polls
	if polls > 0 {
		c.status[0] |= uint8(spiflash.StatusBusy)
	}
}

// InjectFault makes the nth (1 based) future transaction carrying opcode op
// fail during its data phase with err, or ErrInjected if err is nil.
// A failed transaction has no effect on the chip.
func (c *Chip) InjectFault(op spiflash.Opcode, nth int, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.faults = append(c.faults, fault{op: op, nth: c.counts[op] + nth, err: err})
}

const (
	statusADS = 1 << 0 // Current address mode, status register 3. Read only.
	statusADP = 1 << 1 // Power-up address mode, status register 3.
)

func (c *Chip) StartTransaction() error {
	if c.intxn {
		return ErrInTransaction
	}
	c.intxn = true
	c.rx = c.rx[:0]
	c.clocked = 0
	c.failed = false
	return nil
}

func (c *Chip) SendBytes(addr uint8, w []byte) error {
	if !c.intxn {
		return ErrNoTransaction
	}
	c.rx = append(c.rx, w...)
	c.clocked += len(w)
	return c.checkFault()
}

func (c *Chip) GetBytes(addr uint8, r []byte) error {
	if !c.intxn {
		return ErrNoTransaction
	}
	if err := c.checkFault(); err != nil {
		return err
	}
	for i := range r {
		r[i] = c.out(c.clocked)
		c.rx = append(c.rx, 0)
		c.clocked++
	}
	return nil
}

func (c *Chip) TransceiveBytes(addr uint8, buf []byte) error {
	if !c.intxn {
		return ErrNoTransaction
	}
	for i, b := range buf {
		c.rx = append(c.rx, b)
		buf[i] = c.out(c.clocked)
		c.clocked++
	}
	return c.checkFault()
}

func (c *Chip) EndTransaction() error {
	if !c.intxn {
		return ErrNoTransaction
	}
	c.intxn = false
	if len(c.rx) == 0 || c.failed {
		return nil
	}
	op := spiflash.Opcode(c.rx[0])
	c.ops = append(c.ops, op)
	c.counts[op]++
	c.execute(op, c.rx[1:])
	return nil
}

// checkFault fails the transaction in flight if a fault is registered for it.
func (c *Chip) checkFault() error {
	if len(c.rx) == 0 || c.failed {
		return nil
	}
	op := spiflash.Opcode(c.rx[0])
	for i, f := range c.faults {
		if f.op == op && f.nth == c.counts[op]+1 {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			c.failed = true
			c.counts[op]++ // Failed transactions still count towards nth.
			return f.err
		}
	}
	return nil
}

func (c *Chip) busy() bool { return c.status[0]&uint8(spiflash.StatusBusy) != 0 }

func (c *Chip) addrBytes() int {
	if c.addr4 {
		return 4
	}
	return 3
}

// out returns the byte the chip drives on MISO at position pos of the transaction.
func (c *Chip) out(pos int) byte {
	if pos == 0 || len(c.rx) == 0 {
		return 0xff
	}
	op := spiflash.Opcode(c.rx[0])
	if c.poweredDown && op != spiflash.OpReleasePowerDown {
		return 0xff
	}
	pos-- // Skip opcode.
	switch op {
	case spiflash.OpReadStatus1:
		return c.Status()[0]
	case spiflash.OpReadStatus2:
		return c.Status()[1]
	case spiflash.OpReadStatus3:
		return c.Status()[2]
	}
	if c.busy() {
		return 0xff
	}
	switch op {
	case spiflash.OpManufacturerID:
		const pad = 3 // 24 bit address phase.
		if pos < pad {
			return 0
		}
		if (pos-pad)%2 == 0 {
			return c.cfg.Manufacturer
		}
		return c.cfg.Device
	case spiflash.OpReleasePowerDown:
		if pos < 3 {
			return 0
		}
		return c.cfg.Device
	case spiflash.OpJEDECID:
		if pos < 3 {
			return c.cfg.JEDEC[pos]
		}
	case spiflash.OpUniqueID:
		dummy := 4
		if c.addr4 {
			dummy = 5
		}
		if pos >= dummy && pos < dummy+8 {
			var id [8]byte
			binary.BigEndian.PutUint64(id[:], c.cfg.UniqueID)
			return id[pos-dummy]
		}
	case spiflash.OpRead:
		if addr, ok := c.addr(c.addrBytes()); ok && pos >= c.addrBytes() {
			return c.mem[c.wrap(addr+uint32(pos-c.addrBytes()))]
		}
	case spiflash.OpFastRead:
		const hdr = 4 + 1
		if addr, ok := c.addr(4); ok && pos >= hdr {
			return c.mem[c.wrap(addr+uint32(pos-hdr))]
		}
	case spiflash.OpReadSFDP:
		const hdr = 3 + 1
		if addr, ok := c.addr(3); ok && pos >= hdr {
			off := int(addr) + pos - hdr
			if off < len(c.sfdp) {
				return c.sfdp[off]
			}
		}
	}
	return 0xff
}

// addr decodes the n byte big endian address following the opcode.
func (c *Chip) addr(n int) (uint32, bool) {
	if len(c.rx) < 1+n {
		return 0, false
	}
	var a uint32
	for _, b := range c.rx[1 : 1+n] {
		a = a<<8 | uint32(b)
	}
	return a, true
}

func (c *Chip) wrap(addr uint32) uint32 { return addr & uint32(len(c.mem)-1) }

func (c *Chip) execute(op spiflash.Opcode, args []byte) {
	if c.resetEnabled && op != spiflash.OpResetDevice {
		c.resetEnabled = false
	}
	switch {
	case op == spiflash.OpReadStatus1:
		if c.busyPolls > 0 {
			c.busyPolls--
			if c.busyPolls == 0 {
				c.status[0] &^= uint8(spiflash.StatusBusy | spiflash.StatusWEL)
			}
		}
		return
	case op == spiflash.OpReadStatus2 || op == spiflash.OpReadStatus3:
		return
	case c.poweredDown:
		if op == spiflash.OpReleasePowerDown {
			c.poweredDown = false
		}
		return
	case c.busy():
		return
	}
	wel := c.status[0]&uint8(spiflash.StatusWEL) != 0
	switch op {
	case spiflash.OpWriteEnable, spiflash.OpVolatileWriteEnable:
		c.status[0] |= uint8(spiflash.StatusWEL)
	case spiflash.OpWriteDisable:
		c.status[0] &^= uint8(spiflash.StatusWEL)
	case spiflash.OpEnter4ByteAddr:
		c.addr4 = true
	case spiflash.OpEnableReset:
		c.resetEnabled = true
	case spiflash.OpResetDevice:
		if c.resetEnabled {
			c.reset()
		}
	case spiflash.OpPowerDown:
		c.poweredDown = true
	case spiflash.OpPageProgram:
		n := c.addrBytes()
		if !wel || len(args) < n {
			return
		}
		addr, _ := c.addr(n)
		c.program(addr, args[n:])
		c.startBusy(c.cfg.ProgramPolls)
	case spiflash.OpEraseSector, spiflash.OpEraseHalfBlock, spiflash.OpEraseBlock:
		n := c.addrBytes()
		if !wel || len(args) < n {
			return
		}
		addr, _ := c.addr(n)
		size := uint32(spiflash.SectorSize)
		if op == spiflash.OpEraseHalfBlock {
			size = spiflash.HalfBlockSize
		} else if op == spiflash.OpEraseBlock {
			size = spiflash.BlockSize
		}
		c.eraseRange(aligndown(c.wrap(addr), size), size)
		c.startBusy(c.cfg.ErasePolls)
	case spiflash.OpEraseChip:
		if !wel {
			return
		}
		c.eraseRange(0, uint32(len(c.mem)))
		c.startBusy(c.cfg.ErasePolls)
	case spiflash.OpWriteStatus1, spiflash.OpWriteStatus2, spiflash.OpWriteStatus3:
		if !wel || len(args) < 1 {
			return
		}
		c.writeStatus(op, args[0])
		c.startBusy(c.cfg.ProgramPolls)
	}
}

// program ANDs data into the page containing addr, wrapping at the page end.
// Only the last page worth of data is retained, like the real device.
func (c *Chip) program(addr uint32, data []byte) {
	addr = c.wrap(addr)
	base := aligndown(addr, spiflash.PageSize)
	off := int(addr - base)
	if len(data) > spiflash.PageSize {
		off = (off + len(data) - spiflash.PageSize) % spiflash.PageSize
		data = data[len(data)-spiflash.PageSize:]
	}
	for i, b := range data {
		c.mem[base+uint32((off+i)%spiflash.PageSize)] &= b
	}
}

func (c *Chip) eraseRange(start, size uint32) {
	for i := start; i < start+size; i++ {
		c.mem[i] = 0xff
	}
}

func (c *Chip) writeStatus(op spiflash.Opcode, v uint8) {
	switch op {
	case spiflash.OpWriteStatus1:
		const ro = uint8(spiflash.StatusBusy | spiflash.StatusWEL)
		c.status[0] = c.status[0]&ro | v&^ro
	case spiflash.OpWriteStatus2:
		c.status[1] = v
	case spiflash.OpWriteStatus3:
		c.status[2] = v &^ statusADS
	}
}

// startBusy sets busy for polls status reads. The write latch is cleared
// once the operation completes.
func (c *Chip) startBusy(polls int) {
	if polls <= 0 {
		c.status[0] &^= uint8(spiflash.StatusWEL)
		return
	}
	c.SetBusy(polls)
}

func (c *Chip) reset() {
	c.status[0] &^= uint8(spiflash.StatusBusy | spiflash.StatusWEL)
	c.busyPolls = 0
	c.resetEnabled = false
	c.poweredDown = false
	c.addr4 = c.cfg.FourByteDefault || c.status[2]&statusADP != 0
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// BasicSFDP returns an SFDP image holding a JEDEC basic parameter table with
// the density of a size byte chip and its 4KiB erase opcode.
func BasicSFDP(size int, erase4K byte) []byte {
	b := make([]byte, 0x38)
	copy(b, "SFDP")
	b[4], b[5], b[6], b[7] = 6, 1, 0, 0xff
	ph := b[8:16]
	ph[0], ph[1], ph[2], ph[3] = 0x00, 6, 1, 2
	binary.LittleEndian.PutUint32(ph[4:], 0xff000030)
	binary.LittleEndian.PutUint32(b[0x30:], uint32(erase4K)<<8|0b01)
	binary.LittleEndian.PutUint32(b[0x34:], uint32(size)*8-1)
	return b
}
