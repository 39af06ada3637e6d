package spiflash

import (
	"context"
	"io"
	"log/slog"

	"github.com/soypat/spiflash/sfdp"
)

var (
	_ io.ReaderAt = (*Device)(nil)
	_ io.WriterAt = (*Device)(nil)
)

// ReadAt implements io.ReaderAt over the whole chip. When the Device was
// initialized with a capacity, reads past the end are truncated and return io.EOF.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.lastErr = NoError
	n, err := d.clip(len(p), off)
	if err != nil {
		return 0, err
	}
	err = d.ReadBuffer(uint32(off), p[:n])
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the whole chip. It programs but does
// not erase: the target range must read as 0xff beforehand for the result to
// equal p. Writes extending past the capacity fail with ErrOutOfRange.
//
// Bounds errors are detected before any bus activity and leave LastError
// at NoError, as do those of ReadAt and EraseRange.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.lastErr = NoError
	n, err := d.clip(len(p), off)
	if err != nil || n < len(p) {
		return 0, ErrOutOfRange
	}
	return d.WriteBuffer(uint32(off), p)
}

// EraseRange erases every sector overlapping [off, off+n). Whole 64KiB
// blocks are erased with a single block erase. It waits for the last
// erase to complete before returning. Ranges extending past the capacity
// fail with ErrOutOfRange.
func (d *Device) EraseRange(off, n int64) error {
	d.lastErr = NoError
	if n <= 0 {
		return nil
	}
	if fit, err := d.clip(int(n), off); err != nil || int64(fit) < n {
		return ErrOutOfRange
	}
	addr := aligndown(uint64(off), SectorSize)
	end := alignup(uint64(off+n), SectorSize)
	if d.totalSize > 0 {
		end = min(end, uint64(d.totalSize))
	}
	d.debug("EraseRange", slog.Uint64("start", addr), slog.Uint64("end", end))
	for addr < end {
		var err error
		if isaligned(addr, BlockSize) && end-addr >= BlockSize {
			err = d.EraseBlock(uint32(addr / BlockSize))
			addr += BlockSize
		} else {
			err = d.EraseSector(uint32(addr / SectorSize))
			addr += SectorSize
		}
		if err != nil {
			return err
		}
	}
	return d.WaitUntilReady()
}

// clip checks an access of length n at off against the device capacity and
// returns how many bytes fit.
func (d *Device) clip(n int, off int64) (int, error) {
	if off < 0 || off > 1<<32-1 {
		return 0, ErrOutOfRange
	}
	if d.totalSize == 0 {
		return n, nil
	}
	size := int64(d.totalSize)
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(n) > size {
		n = int(size - off)
	}
	return n, nil
}

// SFDPReadAt reads from the SFDP address space at offset. Only the lower 24
// bits of offset are sent. It implements [sfdp.ReaderAt].
func (d *Device) SFDPReadAt(offset uint32, out []byte) error {
	d.lastErr = NoError
	err := d.waitReady(context.Background(), d.maxPolls, StatusBusy)
	if err != nil {
		return d.record(err)
	}
	cmd := d.cmdbuf[:1+3+1]
	cmd[0] = byte(OpReadSFDP)
	cmd[1] = byte(offset >> 16)
	cmd[2] = byte(offset >> 8)
	cmd[3] = byte(offset)
	cmd[4] = 0 // Dummy.
	return d.record(d.txn(cmd, nil, out))
}

// SFDP reads and parses the chip's Serial Flash Discoverable Parameters.
func (d *Device) SFDP() (*sfdp.SFDP, error) {
	return sfdp.Parse(d)
}
