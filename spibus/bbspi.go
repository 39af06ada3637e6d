//go:build tinygo

package spibus

import (
	"device"
	"machine"
)

// SPIbb is a dumb bit-bang implementation of SPI protocol that is hardcoded
// to mode 0. It implements [Conn] for boards where the hardware SPI pins are
// not routed to the flash chip.
type SPIbb struct {
	SCK   machine.Pin
	SDI   machine.Pin
	SDO   machine.Pin
	Delay uint32
}

// Configure sets up the SCK and SDO pins as outputs and sets them low
func (s *SPIbb) Configure() {
	s.SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDO.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDI.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	s.SCK.Low()
	s.SDO.Low()
	if s.Delay == 0 {
		s.Delay = 1
	}
}

// Tx matches signature of machine.SPI.Tx(). Either w or r may be nil, in which
// case zeros are sent or received bytes are discarded. If both are set they
// must be of equal length.
func (s *SPIbb) Tx(w []byte, r []byte) error {
	n, err := txLength(w, r)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var b byte
		if w != nil {
			b = w[i]
		}
		b = s.transfer(b)
		if r != nil {
			r[i] = b
		}
	}
	return nil
}

// Transfer matches signature of machine.SPI.Transfer() and is used to send a
// single byte.
func (s *SPIbb) Transfer(b byte) (out byte, _ error) {
	return s.transfer(b), nil
}

//go:inline
func (s *SPIbb) transfer(b byte) (out byte) {
	for bit := 7; bit >= 0; bit-- {
		out |= b2u8(s.bitTransfer(b&(1<<bit) != 0)) << bit
	}
	return out
}

// bitTransfer shifts one bit out on SDO and samples SDI on the rising edge.
//
//go:inline
func (s *SPIbb) bitTransfer(b bool) bool {
	s.SDO.Set(b)
	s.delay()
	s.SCK.High()
	s.delay()
	inputBit := s.SDI.Get()
	s.delay()
	s.SCK.Low()
	s.delay()
	return inputBit
}

// delay represents a quarter of the clock cycle
//
//go:inline
func (s *SPIbb) delay() {
	for i := uint32(0); i < s.Delay; i++ {
		device.Asm("nop")
	}
}

//go:inline
func b2u8(b bool) byte {
	if b {
		return 1
	}
	return 0
}
