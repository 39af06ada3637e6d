//go:build pico

package spibus

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// PicoPins are the RP2040 pins wired to the flash chip.
type PicoPins struct {
	SCK, SDO, SDI, CS machine.Pin
}

// NewPicoPIO returns a transport driving the flash chip with a PIO state
// machine of PIO0 at hz. Use it when the hardware SPI blocks are taken or
// the pins are not routable to them.
func NewPicoPIO(pins PicoPins, hz uint32) (*TxBus, error) {
	pins.CS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	spi, err := piolib.NewSPI(sm, machine.SPIConfig{
		Frequency: hz,
		SCK:       pins.SCK,
		SDO:       pins.SDO,
		SDI:       pins.SDI,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	return NewTxBus(spi, pins.CS.Set), nil
}

// NewPicoSPI returns a transport over a hardware SPI block of the RP2040.
func NewPicoSPI(spi *machine.SPI, pins PicoPins, hz uint32) (*TxBus, error) {
	pins.CS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	err := spi.Configure(machine.SPIConfig{
		Frequency: hz,
		SCK:       pins.SCK,
		SDO:       pins.SDO,
		SDI:       pins.SDI,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	return NewTxBus(spi, pins.CS.Set), nil
}
