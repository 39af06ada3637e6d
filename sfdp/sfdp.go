// Package sfdp parses JEDEC Serial Flash Discoverable Parameters (JESD216).
//
// Useful references:
//   - JESD216 Serial Flash Discoverable Parameters
//   - Linux: drivers/mtd/spi-nor/sfdp.c
package sfdp

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	Signature = 0x50444653 // "SFDP" little endian.

	BasicTableID              = 0xFF00 // JEDEC Basic Flash Parameter Table, MSB:LSB.
	BasicTableEraseDword      = 0      // Holds the 4KiB erase opcode.
	BasicTableDensityDword    = 1
	BasicTableEraseTypesDword = 7 // Erase types 1 and 2.

	headerSize      = 8
	paramHeaderSize = 8
)

var (
	ErrNoSFDP        = errors.New("sfdp: chip does not support SFDP")
	ErrNotFound      = errors.New("sfdp: parameter table not found")
	ErrOutOfRange    = errors.New("sfdp: dword out of range")
	ErrNoEraseOpcode = errors.New("sfdp: no 4KiB erase opcode")
	ErrTooLarge      = errors.New("sfdp: density does not fit in 32 bits")
)

// ReaderAt reads from the SFDP address space of a flash chip.
type ReaderAt interface {
	SFDPReadAt(offset uint32, out []byte) error
}

// Header is the 8 byte SFDP header at offset 0.
type Header struct {
	// Signature is 0x50444653 ("SFDP") if the chip supports SFDP.
	Signature                uint32
	MinorRev                 uint8
	MajorRev                 uint8
	NumberOfParameterHeaders uint8 // Zero based: 0 means one header.
	AccessProtocol           uint8
}

// ParameterHeader locates one parameter table.
type ParameterHeader struct {
	IDLSB    uint8
	MinorRev uint8
	MajorRev uint8
	// Length is in dwords.
	Length uint8
	// Pointer is a 24 bit byte offset; the top byte is the ID MSB.
	Pointer uint32
}

type Parameter struct {
	ParameterHeader
	// ID is IDMSB:IDLSB.
	ID    uint16
	Table []uint32
}

type SFDP struct {
	Header
	Parameters []Parameter
}

// Parse reads and parses the SFDP header, every parameter header and its table.
func Parse(r ReaderAt) (*SFDP, error) {
	var hbuf [headerSize]byte
	if err := r.SFDPReadAt(0, hbuf[:]); err != nil {
		return nil, err
	}
	if string(hbuf[:4]) != "SFDP" {
		return nil, ErrNoSFDP
	}
	var s SFDP
	s.Header = Header{
		Signature:                binary.LittleEndian.Uint32(hbuf[:4]),
		MinorRev:                 hbuf[4],
		MajorRev:                 hbuf[5],
		NumberOfParameterHeaders: hbuf[6],
		AccessProtocol:           hbuf[7],
	}
	nph := int(s.NumberOfParameterHeaders) + 1
	pbuf := make([]byte, paramHeaderSize*nph)
	if err := r.SFDPReadAt(headerSize, pbuf); err != nil {
		return nil, err
	}
	s.Parameters = make([]Parameter, nph)
	for i := range s.Parameters {
		p := &s.Parameters[i]
		b := pbuf[i*paramHeaderSize:]
		p.ParameterHeader = ParameterHeader{
			IDLSB:    b[0],
			MinorRev: b[1],
			MajorRev: b[2],
			Length:   b[3],
			Pointer:  binary.LittleEndian.Uint32(b[4:8]),
		}
		p.ID = uint16(b[7])<<8 | uint16(b[0])
		tbuf := make([]byte, int(p.Length)*4)
		if err := r.SFDPReadAt(p.Pointer&0xffffff, tbuf); err != nil {
			return nil, err
		}
		p.Table = make([]uint32, p.Length)
		if err := binary.Read(bytes.NewReader(tbuf), binary.LittleEndian, p.Table); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// TableDword returns a dword of the first parameter table with the given id.
func (s *SFDP) TableDword(id uint16, dword int) (uint32, error) {
	for _, p := range s.Parameters {
		if p.ID != id {
			continue
		}
		if dword < 0 || dword >= len(p.Table) {
			return 0, ErrOutOfRange
		}
		return p.Table[dword], nil
	}
	return 0, ErrNotFound
}

// Size returns the chip density in bytes.
func (s *SFDP) Size() (int64, error) {
	density, err := s.TableDword(BasicTableID, BasicTableDensityDword)
	if err != nil {
		return -1, err
	}
	if density&(1<<31) != 0 {
		// Density is 2^N bits.
		n := density &^ (1 << 31)
		if n < 3 || n > 63 {
			return -1, ErrTooLarge
		}
		return 1 << (n - 3), nil
	}
	return (int64(density) + 1) / 8, nil
}

// Erase4KiBOpcode returns the opcode that erases a 4KiB sector.
func (s *SFDP) Erase4KiBOpcode() (uint8, error) {
	dword, err := s.TableDword(BasicTableID, BasicTableEraseDword)
	if err != nil {
		return 0xff, err
	}
	opcode := uint8(dword >> 8)
	if opcode == 0xff || dword&0b11 != 0b01 {
		return 0xff, ErrNoEraseOpcode
	}
	return opcode, nil
}

// Buffer holds an SFDP address space image. Primarily used for testing.
type Buffer []byte

// SFDPReadAt implements ReaderAt for Buffer.
func (b Buffer) SFDPReadAt(offset uint32, out []byte) error {
	offset &= 0x00ffffff
	if int(offset)+len(out) > len(b) {
		return ErrOutOfRange
	}
	copy(out, b[offset:])
	return nil
}
