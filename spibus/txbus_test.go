package spibus

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/flashsim"
)

// chipConn feeds every Tx to a simulated chip whose transactions are
// bracketed by the chip select pin.
type chipConn struct {
	chip  *flashsim.Chip
	cslog []bool
}

func (c *chipConn) cs(level bool) {
	c.cslog = append(c.cslog, level)
	if level {
		c.chip.EndTransaction()
	} else {
		c.chip.StartTransaction()
	}
}

func (c *chipConn) Tx(w, r []byte) error {
	buf := make([]byte, max(len(w), len(r)))
	copy(buf, w)
	err := c.chip.TransceiveBytes(0, buf)
	copy(r, buf)
	return err
}

// equalConn rejects transfers of unequal lengths like piolib's SPI does.
type equalConn struct {
	*chipConn
}

func (c equalConn) Tx(w, r []byte) error {
	if len(w) != len(r) {
		return errors.New("expect lengths to be equal")
	}
	return c.chipConn.Tx(w, r)
}

func TestTxBus(t *testing.T) {
	const size = 1 << 20
	cc := &chipConn{chip: flashsim.New(flashsim.W25Q512(size))}
	bus := NewTxBus(equalConn{cc}, cc.cs)
	if !slices.Equal(cc.cslog, []bool{true}) {
		t.Fatalf("chip select not deasserted on creation: %v", cc.cslog)
	}
	d := spiflash.New(bus, spiflash.Config{ResetDelay: func() {}})
	err := d.Init(size, spiflash.MfrWinbond)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("pio spi")
	_, err = d.WriteBuffer(0xff0, data)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	err = d.ReadBuffer(0xff0, got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %q", got)
	}
	if err := bus.GetBytes(0, got); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("want ErrNoTransaction, got %v", err)
	}
}

func TestTxLength(t *testing.T) {
	for _, tc := range []struct {
		w, r []byte
		n    int
		ok   bool
	}{
		{nil, nil, 0, true},
		{make([]byte, 3), nil, 3, true},
		{nil, make([]byte, 5), 5, true},
		{make([]byte, 4), make([]byte, 4), 4, true},
		{make([]byte, 4), make([]byte, 2), 0, false},
	} {
		n, err := txLength(tc.w, tc.r)
		if (err == nil) != tc.ok || n != tc.n {
			t.Errorf("txLength(%d, %d) = %d, %v", len(tc.w), len(tc.r), n, err)
		}
	}
}
