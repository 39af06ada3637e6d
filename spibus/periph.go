// Package spibus provides spiflash.Transport implementations over real SPI
// controllers.
package spibus

import (
	"errors"

	"github.com/soypat/spiflash"
	periphconn "periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrNoTransaction = errors.New("spibus: byte exchange outside of transaction")
	// ErrSplitTransaction is returned when bytes are sent after a read
	// within one transaction on a controller that drives chip select itself.
	ErrSplitTransaction = errors.New("spibus: send after receive needs a chip select pin")
	// ErrTxTooLarge is returned when a transaction does not fit in a single
	// Tx of a controller that drives chip select itself. See [Periph.MaxTransfer].
	ErrTxTooLarge = errors.New("spibus: transaction exceeds controller maximum Tx size")
)

// Connect configures port for SPI NOR flash: mode 0 with 8 bit words.
func Connect(port spi.Port, hz physic.Frequency) (spi.Conn, error) {
	return port.Connect(hz, spi.Mode0, 8)
}

// Periph is a spiflash.Transport over a periph.io SPI connection.
//
// With a chip select pin, the pin is driven low on StartTransaction and high
// on EndTransaction and every byte phase is issued in as few Tx calls as the
// controller's maximum Tx size allows.
// Without one the controller toggles chip select on every Tx, so the whole
// transaction is buffered and issued as a single Tx when data must be read
// back or the transaction ends. Such transactions are bounded by the
// controller's maximum Tx size, see [Periph.MaxTransfer].
type Periph struct {
	conn    spi.Conn
	cs      gpio.PinOut
	maxTx   int // Zero if unlimited.
	intxn   bool
	flushed bool
	pending []byte
	scratch []byte
}

var _ spiflash.Transport = (*Periph)(nil)

// NewPeriph returns a transport over conn. cs may be nil, see [Periph].
// When present cs is driven high (deasserted) before returning.
func NewPeriph(conn spi.Conn, cs gpio.PinOut) (*Periph, error) {
	if cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, err
		}
	}
	p := &Periph{conn: conn, cs: cs}
	if l, ok := conn.(periphconn.Limits); ok {
		p.maxTx = l.MaxTxSize()
	}
	return p, nil
}

// MaxTransfer returns the largest transaction in bytes, command header
// included, or zero if there is no limit. It is only limited without a chip
// select pin: with one, long byte phases are split over several Tx calls.
func (p *Periph) MaxTransfer() int {
	if p.cs != nil {
		return 0
	}
	return p.maxTx
}

func (p *Periph) StartTransaction() error {
	p.intxn = true
	p.flushed = false
	p.pending = p.pending[:0]
	if p.cs != nil {
		return p.cs.Out(gpio.Low)
	}
	return nil
}

func (p *Periph) SendBytes(addr uint8, w []byte) error {
	if !p.intxn {
		return ErrNoTransaction
	}
	if p.cs != nil {
		return p.tx(w, p.scratchN(len(w)))
	}
	if p.flushed {
		return ErrSplitTransaction
	}
	p.pending = append(p.pending, w...)
	return nil
}

func (p *Periph) TransceiveBytes(addr uint8, buf []byte) error {
	if !p.intxn {
		return ErrNoTransaction
	}
	if p.cs != nil {
		return p.tx(buf, buf)
	}
	n := len(p.pending)
	p.pending = append(p.pending, buf...)
	err := p.flush()
	copy(buf, p.pending[n:])
	return err
}

func (p *Periph) GetBytes(addr uint8, r []byte) error {
	if !p.intxn {
		return ErrNoTransaction
	}
	if p.cs != nil {
		clear(r)
		return p.tx(r, r)
	}
	n := len(p.pending)
	p.pending = append(p.pending, r...)
	clear(p.pending[n:])
	err := p.flush()
	copy(r, p.pending[n:])
	return err
}

func (p *Periph) EndTransaction() (err error) {
	if !p.intxn {
		return ErrNoTransaction
	}
	p.intxn = false
	if p.cs != nil {
		return p.cs.Out(gpio.High)
	}
	if !p.flushed && len(p.pending) > 0 {
		err = p.flush()
	}
	p.pending = p.pending[:0]
	return err
}

// flush issues every pending byte in a single Tx, in place.
func (p *Periph) flush() error {
	if p.flushed {
		return ErrSplitTransaction
	}
	p.flushed = true
	if p.maxTx > 0 && len(p.pending) > p.maxTx {
		return ErrTxTooLarge
	}
	return p.conn.Tx(p.pending, p.pending)
}

// tx exchanges len(w) bytes while chip select is held, in as many Tx calls
// as the controller requires.
func (p *Periph) tx(w, r []byte) error {
	for len(w) > 0 {
		n := len(w)
		if p.maxTx > 0 {
			n = min(n, p.maxTx)
		}
		if err := p.conn.Tx(w[:n], r[:n]); err != nil {
			return err
		}
		w, r = w[n:], r[n:]
	}
	return nil
}

func (p *Periph) scratchN(n int) []byte {
	if cap(p.scratch) < n {
		p.scratch = make([]byte, n)
	}
	return p.scratch[:n]
}
