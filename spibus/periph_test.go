package spibus

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/flashsim"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// simConn is a spi.Conn whose controller toggles chip select around every
// Tx, backed by a simulated chip.
type simConn struct {
	chip *flashsim.Chip
	txs  int
}

func (c *simConn) String() string                 { return "simConn" }
func (c *simConn) Duplex() conn.Duplex            { return conn.Full }
func (c *simConn) TxPackets(p []spi.Packet) error { return errors.New("not implemented") }

func (c *simConn) Tx(w, r []byte) error {
	c.txs++
	buf := slices.Clone(w)
	c.chip.StartTransaction()
	err := c.chip.TransceiveBytes(0, buf)
	c.chip.EndTransaction()
	copy(r, buf)
	return err
}

// pinConn records the chip select level and bytes of every Tx.
type pinConn struct {
	cs     *gpiotest.Pin
	levels []gpio.Level
	sent   [][]byte
}

func (c *pinConn) String() string                 { return "pinConn" }
func (c *pinConn) Duplex() conn.Duplex            { return conn.Full }
func (c *pinConn) TxPackets(p []spi.Packet) error { return errors.New("not implemented") }

func (c *pinConn) Tx(w, r []byte) error {
	c.levels = append(c.levels, c.cs.Read())
	c.sent = append(c.sent, slices.Clone(w))
	for i := range r {
		r[i] = 0xa5
	}
	return nil
}

func TestPeriphSingleTx(t *testing.T) {
	const size = 1 << 20
	chip := flashsim.New(flashsim.W25Q512(size))
	sc := &simConn{chip: chip}
	p, err := NewPeriph(sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := spiflash.New(p, spiflash.Config{ResetDelay: func() {}})
	err = d.Init(size, spiflash.MfrWinbond)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("spibus"), 100)
	_, err = d.WriteBuffer(0x100, data)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	err = d.ReadBuffer(0x100, got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data read back over single Tx transport differs")
	}
	// Every driver transaction maps to exactly one Tx.
	if sc.txs != len(chip.Ops()) {
		t.Errorf("%d Tx calls for %d transactions", sc.txs, len(chip.Ops()))
	}
}

func TestPeriphChipSelect(t *testing.T) {
	cs := &gpiotest.Pin{N: "D4", Num: 4, L: gpio.Low}
	pc := &pinConn{cs: cs}
	p, err := NewPeriph(pc, cs)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Read() != gpio.High {
		t.Fatal("chip select not deasserted on creation")
	}
	d := spiflash.New(p, spiflash.DefaultConfig())
	id, err := d.JEDECID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 0xa5a5a5 {
		t.Errorf("id %#x", id)
	}
	if !slices.Equal(pc.levels, []gpio.Level{gpio.Low, gpio.Low}) {
		t.Errorf("chip select not asserted during transfers: %v", pc.levels)
	}
	if !bytes.Equal(pc.sent[0], []byte{byte(spiflash.OpJEDECID)}) || !bytes.Equal(pc.sent[1], []byte{0, 0, 0}) {
		t.Errorf("sent % x", pc.sent)
	}
	if cs.Read() != gpio.High {
		t.Error("chip select not released after transaction")
	}
}

func TestPeriphSplitTransaction(t *testing.T) {
	sc := &simConn{chip: flashsim.New(flashsim.W25Q512(1 << 20))}
	p, _ := NewPeriph(sc, nil)
	if err := p.SendBytes(0, []byte{1}); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("want ErrNoTransaction, got %v", err)
	}
	p.StartTransaction()
	p.SendBytes(0, []byte{byte(spiflash.OpReadStatus1)})
	p.GetBytes(0, make([]byte, 1))
	if err := p.SendBytes(0, []byte{0}); !errors.Is(err, ErrSplitTransaction) {
		t.Errorf("want ErrSplitTransaction, got %v", err)
	}
	if err := p.EndTransaction(); err != nil {
		t.Error(err)
	}
	if sc.txs != 1 {
		t.Errorf("want a single Tx, got %d", sc.txs)
	}
}

// limitConn caps every Tx at max bytes like spidev's bufsiz does.
type limitConn struct {
	*simConn
	max int
}

func (c limitConn) MaxTxSize() int { return c.max }

func (c limitConn) Tx(w, r []byte) error {
	if len(w) > c.max || len(r) > c.max {
		return errors.New("transfer too large")
	}
	return c.simConn.Tx(w, r)
}

func TestPeriphMaxTransfer(t *testing.T) {
	const size = 1 << 20
	const limit = 4096
	sc := &simConn{chip: flashsim.New(flashsim.W25Q512(size))}
	p, err := NewPeriph(limitConn{simConn: sc, max: limit}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxTransfer() != limit {
		t.Fatalf("MaxTransfer = %d, want %d", p.MaxTransfer(), limit)
	}
	d := spiflash.New(p, spiflash.Config{ResetDelay: func() {}})
	err = d.Init(size, spiflash.MfrWinbond)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0x5a}, limit-spiflash.ReadHeaderSize)
	_, err = d.WriteAt(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	_, err = d.ReadAt(got, 0)
	if err != nil {
		t.Fatal("largest read within limit:", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs")
	}
	txs := sc.txs
	_, err = d.ReadAt(make([]byte, 2*limit), 0)
	if !errors.Is(err, ErrTxTooLarge) {
		t.Errorf("want ErrTxTooLarge, got %v", err)
	}
	if sc.txs != txs+1 {
		// Only the ready poll preceding the read reaches the controller.
		t.Errorf("oversize read issued %d Tx calls", sc.txs-txs)
	}
}

type limitPinConn struct {
	*pinConn
	max int
}

func (c limitPinConn) MaxTxSize() int { return c.max }

func TestPeriphChipSelectSplitsTx(t *testing.T) {
	cs := &gpiotest.Pin{N: "D4", Num: 4}
	pc := &pinConn{cs: cs}
	p, err := NewPeriph(limitPinConn{pinConn: pc, max: 2}, cs)
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxTransfer() != 0 {
		t.Errorf("MaxTransfer with chip select = %d, want unlimited", p.MaxTransfer())
	}
	d := spiflash.New(p, spiflash.DefaultConfig())
	_, err = d.JEDECID()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{{byte(spiflash.OpJEDECID)}, {0, 0}, {0}}
	if !slices.EqualFunc(pc.sent, want, bytes.Equal) {
		t.Errorf("sent % x, want % x", pc.sent, want)
	}
}
