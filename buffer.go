package spiflash

import (
	"context"
	"log/slog"
)

// ReadBuffer waits for the chip to be ready and reads len(dst) bytes at addr.
func (d *Device) ReadBuffer(addr uint32, dst []byte) error {
	d.lastErr = NoError
	err := d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
	if err != nil {
		return d.record(err)
	}
	return d.record(d.readMemory(addr, dst))
}

// WriteBuffer programs data starting at addr, splitting it at page
// boundaries. The target range must have been erased beforehand.
//
// It returns the number of bytes programmed. On failure n is the sum of the
// chunks that were programmed before the failing one, so n < len(data).
func (d *Device) WriteBuffer(addr uint32, data []byte) (n int, err error) {
	d.lastErr = NoError
	for len(data) > 0 {
		err = d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
		if err != nil {
			break
		}
		err = d.exec(OpWriteEnable)
		if err != nil {
			break
		}
		leftOnPage := PageSize - int(addr&(PageSize-1))
		chunk := min(len(data), leftOnPage)
		if d._traceenabled {
			d.trace("WriteBuffer:chunk", slog.Uint64("addr", uint64(addr)), slog.Int("len", chunk))
		}
		err = d.writePage(addr, data[:chunk])
		if err != nil {
			break
		}
		n += chunk
		addr += uint32(chunk)
		data = data[chunk:]
	}
	if err != nil {
		d.logerr("WriteBuffer", slog.Uint64("addr", uint64(addr)), slog.Int("written", n), slog.String("err", err.Error()))
	}
	return n, d.record(err)
}

// EraseSector erases the 4KiB sector with index sector.
// It does not wait for the erase to complete.
func (d *Device) EraseSector(sector uint32) error {
	return d.erase(OpEraseSector, sector*SectorSize)
}

// EraseHalfBlock erases the 32KiB half block with index halfBlock.
// It does not wait for the erase to complete.
func (d *Device) EraseHalfBlock(halfBlock uint32) error {
	return d.erase(OpEraseHalfBlock, halfBlock*HalfBlockSize)
}

// EraseBlock erases the 64KiB block with index block.
// It does not wait for the erase to complete.
func (d *Device) EraseBlock(block uint32) error {
	return d.erase(OpEraseBlock, block*BlockSize)
}

// EraseChip erases the whole chip. This can take minutes on large parts;
// call WaitUntilReady or WaitReady to observe completion.
func (d *Device) EraseChip() error {
	d.lastErr = NoError
	err := d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
	if err == nil {
		err = d.exec(OpWriteEnable)
	}
	if err == nil {
		d.info("EraseChip")
		err = d.exec(OpEraseChip)
	}
	return d.record(err)
}

func (d *Device) erase(op Opcode, addr uint32) error {
	d.lastErr = NoError
	err := d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
	if err == nil {
		err = d.exec(OpWriteEnable)
	}
	if err == nil {
		d.debug("erase", slog.String("op", op.String()), slog.Uint64("addr", uint64(addr)))
		err = d.addrCommand(op, addr, nil)
	}
	return d.record(err)
}
