package main

import (
	"bytes"
	"fmt"

	"github.com/soypat/spiflash"
)

// flashtx is one decoded chip select framed flash transaction.
type flashtx struct {
	Num     int // Consecutive identical transactions collapsed into this one.
	Op      spiflash.Opcode
	HasAddr bool
	Addr    uint32
	// Data is the host-to-chip payload for writes and the chip-to-host
	// payload for reads, address and dummy bytes stripped.
	Data  []byte
	Start float64
}

func (tx *flashtx) String() string {
	if tx.HasAddr {
		return fmt.Sprintf("cmd×%2d %-18s addr=%#08x data=%#x", tx.Num, tx.Op.String(), tx.Addr, tx.Data)
	}
	return fmt.Sprintf("cmd×%2d %-18s data=%#x", tx.Num, tx.Op.String(), tx.Data)
}

// decoder tracks the chip address mode across transactions.
type decoder struct {
	addr4        bool
	resetEnabled bool
}

// decode interprets the bytes clocked out by the host (mosi) and by the chip
// (miso) during one transaction. miso may be nil if it was not captured.
func (dec *decoder) decode(mosi, miso []byte) (tx flashtx) {
	tx.Num = 1
	if len(mosi) == 0 {
		return tx
	}
	tx.Op = spiflash.Opcode(mosi[0])
	naddr := tx.Op.AddressBytes()
	switch tx.Op {
	case spiflash.OpRead, spiflash.OpPageProgram, spiflash.OpEraseSector, spiflash.OpEraseHalfBlock,
		spiflash.OpEraseBlock, spiflash.OpEraseSecurity, spiflash.OpProgramSecurity, spiflash.OpReadSecurity:
		if !dec.addr4 {
			naddr = 3
		}
	}
	hdr := 1 + naddr + tx.Op.DummyBytes()
	if tx.Op == spiflash.OpUniqueID && !dec.addr4 {
		hdr--
	}
	if naddr > 0 && len(mosi) >= 1+naddr {
		tx.HasAddr = true
		for _, b := range mosi[1 : 1+naddr] {
			tx.Addr = tx.Addr<<8 | uint32(b)
		}
	}
	switch {
	case isWrite(tx.Op):
		if len(mosi) > hdr {
			tx.Data = mosi[hdr:]
		}
	case len(miso) > hdr:
		tx.Data = miso[hdr:]
	}
	dec.track(tx.Op)
	return tx
}

func (dec *decoder) track(op spiflash.Opcode) {
	switch op {
	case spiflash.OpEnter4ByteAddr:
		dec.addr4 = true
	case spiflash.OpEnableReset:
		dec.resetEnabled = true
		return
	case spiflash.OpResetDevice:
		if dec.resetEnabled {
			dec.addr4 = false
		}
	}
	dec.resetEnabled = false
}

func isWrite(op spiflash.Opcode) bool {
	switch op {
	case spiflash.OpPageProgram, spiflash.OpWriteStatus1, spiflash.OpWriteStatus2,
		spiflash.OpWriteStatus3, spiflash.OpProgramSecurity:
		return true
	}
	return false
}

// collapse merges runs of identical consecutive transactions, such as status
// polls, into a single entry with a repeat count.
func collapse(txs []flashtx) (out []flashtx) {
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		for j := i + 1; j < len(txs); j++ {
			next := txs[j]
			if next.Op != tx.Op || next.Addr != tx.Addr || !bytes.Equal(next.Data, tx.Data) {
				break
			}
			tx.Num += next.Num
			i = j
		}
		out = append(out, tx)
	}
	return out
}
