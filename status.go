package spiflash

import (
	"context"
	"errors"
	"log/slog"
)

// ReadStatus1 returns the raw value of status register 1. See [Status] for its layout.
func (d *Device) ReadStatus1() (uint8, error) {
	d.lastErr = NoError
	v, err := d.readStatus(OpReadStatus1)
	return v, d.record(err)
}

// ReadStatus2 returns the raw value of status register 2. Its flags
// (quad enable, suspend, lock bits) are chip specific.
func (d *Device) ReadStatus2() (uint8, error) {
	d.lastErr = NoError
	v, err := d.readStatus(OpReadStatus2)
	return v, d.record(err)
}

// ReadStatus3 returns the raw value of status register 3. Its flags
// (drive strength, address mode) are chip specific.
func (d *Device) ReadStatus3() (uint8, error) {
	d.lastErr = NoError
	v, err := d.readStatus(OpReadStatus3)
	return v, d.record(err)
}

// Status1 is like ReadStatus1 but returns the decoded register.
func (d *Device) Status1() (Status, error) {
	v, err := d.ReadStatus1()
	return Status(v), err
}

// WaitUntilReady polls status register 1 until both the busy bit and the
// write enable latch are clear. The register is read at least once.
// It blocks indefinitely on an unresponsive device unless Config.MaxPolls was set.
func (d *Device) WaitUntilReady() error {
	d.lastErr = NoError
	return d.record(d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL))
}

// WaitReady is the bounded form of WaitUntilReady. It returns an error wrapping
// ErrTimeout after maxPolls unsuccessful polls or once ctx is done.
// maxPolls of zero or less means no poll limit.
func (d *Device) WaitReady(ctx context.Context, maxPolls int) error {
	d.lastErr = NoError
	return d.record(d.waitReady(ctx, maxPolls, StatusBusy|StatusWEL))
}

// waitReady spins on status register 1 until none of the mask bits are set.
// There is no backoff between polls.
func (d *Device) waitReady(ctx context.Context, maxPolls int, mask Status) error {
	for polls := 1; ; polls++ {
		v, err := d.readStatus(OpReadStatus1)
		if err != nil {
			return err
		}
		if Status(v)&mask == 0 {
			return nil
		}
		if maxPolls > 0 && polls >= maxPolls {
			d.debug("waitReady:timeout", slog.Int("polls", polls), slog.String("status", Status(v).String()))
			return ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return errjoin(ErrTimeout, err)
		}
	}
}

// WriteEnable sets the write enable latch on the chip. The latch clears
// itself after the next program, erase or status write completes.
func (d *Device) WriteEnable() error {
	d.lastErr = NoError
	return d.record(d.exec(OpWriteEnable))
}

// WriteDisable clears the write enable latch.
func (d *Device) WriteDisable() error {
	d.lastErr = NoError
	return d.record(d.exec(OpWriteDisable))
}

var errBadStatusReg = errors.New("spiflash: status register must be 1, 2 or 3")

// WriteStatus writes v to status register reg (1, 2 or 3). The write enable
// latch is set first. Bits that are read only on the chip are ignored by it.
func (d *Device) WriteStatus(reg int, v uint8) error {
	d.lastErr = NoError
	var op Opcode
	switch reg {
	case 1:
		op = OpWriteStatus1
	case 2:
		op = OpWriteStatus2
	case 3:
		op = OpWriteStatus3
	default:
		return errBadStatusReg
	}
	err := d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
	if err == nil {
		err = d.exec(OpWriteEnable)
	}
	if err == nil {
		d.rbuf[0] = v
		d.cmdbuf[0] = byte(op)
		err = d.txn(d.cmdbuf[:1], d.rbuf[:1], nil)
	}
	return d.record(err)
}

// PowerDown puts the chip in its lowest power state. Only ReleasePowerDown
// is accepted by the chip afterwards.
func (d *Device) PowerDown() error {
	d.lastErr = NoError
	return d.record(d.exec(OpPowerDown))
}

// ReleasePowerDown wakes the chip from power down.
func (d *Device) ReleasePowerDown() error {
	d.lastErr = NoError
	return d.record(d.exec(OpReleasePowerDown))
}

// SuspendErase suspends an in-progress sector or block erase so other
// sectors may be read.
func (d *Device) SuspendErase() error {
	d.lastErr = NoError
	return d.record(d.exec(OpEraseSuspend))
}

// ResumeErase resumes a suspended erase.
func (d *Device) ResumeErase() error {
	d.lastErr = NoError
	return d.record(d.exec(OpEraseResume))
}

func (d *Device) readStatus(op Opcode) (uint8, error) {
	buf := d.rbuf[:1]
	err := d.readCommand(op, buf)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}
