package spiflash

import "log/slog"

// Exec sends a single opcode with no data phase.
func (d *Device) Exec(cmd Opcode) error {
	d.lastErr = NoError
	return d.record(d.exec(cmd))
}

// ReadCommand sends cmd and then receives len(dst) bytes into dst
// within the same transaction.
func (d *Device) ReadCommand(cmd Opcode, dst []byte) error {
	d.lastErr = NoError
	return d.record(d.readCommand(cmd, dst))
}

// WriteCommand sends cmd followed by data within the same transaction.
func (d *Device) WriteCommand(cmd Opcode, data []byte) error {
	d.lastErr = NoError
	d.cmdbuf[0] = byte(cmd)
	return d.record(d.txn(d.cmdbuf[:1], data, nil))
}

// EraseCommand sends cmd followed by addr encoded as 4 big endian bytes.
func (d *Device) EraseCommand(cmd Opcode, addr uint32) error {
	d.lastErr = NoError
	return d.record(d.addrCommand(cmd, addr, nil))
}

// ReadMemory reads len(dst) bytes starting at addr using the fast read
// instruction. The read is not chunked; the chip's address counter advances
// across page boundaries on its own.
func (d *Device) ReadMemory(addr uint32, dst []byte) error {
	d.lastErr = NoError
	return d.record(d.readMemory(addr, dst))
}

// WritePage programs data at addr. The caller must ensure data does not
// cross a page boundary: the chip wraps around within the page instead of
// continuing on the next one. The write latch must have been set beforehand.
func (d *Device) WritePage(addr uint32, data []byte) error {
	d.lastErr = NoError
	return d.record(d.writePage(addr, data))
}

func (d *Device) exec(cmd Opcode) error {
	d.cmdbuf[0] = byte(cmd)
	return d.txn(d.cmdbuf[:1], nil, nil)
}

func (d *Device) readCommand(cmd Opcode, dst []byte) error {
	d.cmdbuf[0] = byte(cmd)
	return d.txn(d.cmdbuf[:1], nil, dst)
}

func (d *Device) readMemory(addr uint32, dst []byte) error {
	cmd := d.cmdbuf[:ReadHeaderSize]
	cmd[0] = byte(OpFastRead)
	putAddr(cmd[1:], addr)
	cmd[1+addrLen] = 0 // Dummy.
	return d.txn(cmd, nil, dst)
}

func (d *Device) writePage(addr uint32, data []byte) error {
	return d.addrCommand(OpPageProgram, addr, data)
}

// addrCommand sends cmd with a 4 byte address and an optional data phase.
func (d *Device) addrCommand(cmd Opcode, addr uint32, data []byte) error {
	buf := d.cmdbuf[:1+addrLen]
	buf[0] = byte(cmd)
	putAddr(buf[1:], addr)
	return d.txn(buf, data, nil)
}

// txn performs one bracketed transaction: w0 and w1 are sent in order, then
// len(r) bytes are received into r. Empty phases are skipped.
// EndTransaction is always called once StartTransaction succeeds so the bus
// is never left held.
func (d *Device) txn(w0, w1, r []byte) (err error) {
	if d.bus == nil {
		return ErrNotConfigured
	}
	if d._traceenabled {
		d.trace("txn", slog.String("op", Opcode(w0[0]).String()), slog.Int("w", len(w0)+len(w1)), slog.Int("r", len(r)))
	}
	err = d.bus.StartTransaction()
	if err != nil {
		return errjoin(ErrTransport, err)
	}
	if len(w0) > 0 {
		err = d.bus.SendBytes(0, w0)
	}
	if err == nil && len(w1) > 0 {
		err = d.bus.SendBytes(0, w1)
	}
	if err == nil && len(r) > 0 {
		err = d.bus.GetBytes(0, r)
	}
	endErr := d.bus.EndTransaction()
	if err != nil || endErr != nil {
		return errjoin(ErrTransport, err, endErr)
	}
	return nil
}
