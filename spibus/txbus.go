package spibus

import (
	"errors"

	"github.com/soypat/spiflash"
)

var errTxLength = errors.New("spibus: Tx w and r lengths differ")

// Conn is the full duplex transfer method shared by machine.SPI on TinyGo,
// the PIO SPI in piolib and [SPIbb]. TxBus always passes w and r of equal
// length since piolib and SPIbb reject anything else.
type Conn interface {
	Tx(w, r []byte) error
}

// OutputPin sets the level of a GPIO. On TinyGo it is usually the Set
// method of a machine.Pin configured as output.
type OutputPin func(level bool)

// TxBus is a spiflash.Transport over a Conn with a chip select pin driven
// by software.
type TxBus struct {
	conn    Conn
	cs      OutputPin
	intxn   bool
	scratch []byte
}

var _ spiflash.Transport = (*TxBus)(nil)

// NewTxBus returns a transport over conn and deasserts cs.
func NewTxBus(conn Conn, cs OutputPin) *TxBus {
	cs(true)
	return &TxBus{conn: conn, cs: cs}
}

func (b *TxBus) StartTransaction() error {
	b.intxn = true
	b.cs(false)
	return nil
}

func (b *TxBus) SendBytes(addr uint8, w []byte) error {
	if !b.intxn {
		return ErrNoTransaction
	}
	return b.conn.Tx(w, b.scratchN(len(w)))
}

func (b *TxBus) TransceiveBytes(addr uint8, buf []byte) error {
	if !b.intxn {
		return ErrNoTransaction
	}
	return b.conn.Tx(buf, buf)
}

func (b *TxBus) GetBytes(addr uint8, r []byte) error {
	if !b.intxn {
		return ErrNoTransaction
	}
	zeros := b.scratchN(len(r))
	clear(zeros)
	return b.conn.Tx(zeros, r)
}

func (b *TxBus) EndTransaction() error {
	if !b.intxn {
		return ErrNoTransaction
	}
	b.intxn = false
	b.cs(true)
	return nil
}

func (b *TxBus) scratchN(n int) []byte {
	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	return b.scratch[:n]
}

// txLength returns the number of bytes a Tx(w, r) call clocks. Either slice
// may be nil; if both are set their lengths must match.
func txLength(w, r []byte) (int, error) {
	if w != nil && r != nil && len(w) != len(r) {
		return 0, errTxLength
	}
	return max(len(w), len(r)), nil
}
