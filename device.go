package spiflash

import (
	"context"
	"log/slog"
	"time"
)

// Transport is the byte transceiver a Device issues commands over.
// Every method returns a non-nil error on failure. The addr argument exists for
// multiplexed transports; the Device always passes 0 (point-to-point SPI).
//
// A transaction is bracketed by StartTransaction and EndTransaction, which
// typically assert and release chip select.
type Transport interface {
	StartTransaction() error
	SendBytes(addr uint8, w []byte) error
	// TransceiveBytes simultaneously sends and receives len(buf) bytes in place.
	TransceiveBytes(addr uint8, buf []byte) error
	GetBytes(addr uint8, r []byte) error
	EndTransaction() error
}

// TransportFuncs adapts five plain functions to the Transport interface.
// All fields must be set, TransceiveBytes excepted.
type TransportFuncs struct {
	Start      func() error
	Send       func(addr uint8, w []byte) error
	Transceive func(addr uint8, buf []byte) error
	Get        func(addr uint8, r []byte) error
	End        func() error
}

var _ Transport = TransportFuncs{}

func (t TransportFuncs) StartTransaction() error              { return t.Start() }
func (t TransportFuncs) SendBytes(addr uint8, w []byte) error { return t.Send(addr, w) }
func (t TransportFuncs) GetBytes(addr uint8, r []byte) error  { return t.Get(addr, r) }
func (t TransportFuncs) EndTransaction() error                { return t.End() }

func (t TransportFuncs) TransceiveBytes(addr uint8, buf []byte) error {
	if t.Transceive == nil {
		return errTransceiveUnsupported
	}
	return t.Transceive(addr, buf)
}

// ResetDelay is the default reset settle delay. The device requires at least 30µs.
const ResetDelay = 50 * time.Microsecond

type Config struct {
	Logger *slog.Logger
	// ResetDelay blocks for at least 30µs after the reset command is issued
	// during Init. If nil the Device sleeps for [ResetDelay].
	ResetDelay func()
	// MaxPolls bounds every ready-wait performed by the Device. Zero polls
	// until the device is ready, however long that takes.
	MaxPolls int
}

func DefaultConfig() Config {
	return Config{}
}

// Device is a handle to a single SPI NOR flash chip.
// Device is not safe for concurrent use.
type Device struct {
	bus        Transport
	totalSize  uint32
	mfrID      uint8
	devID      uint8
	lastErr    ErrorKind
	maxPolls   int
	resetDelay func()
	// cmdbuf holds opcode, address and dummy bytes of the command in flight.
	cmdbuf [1 + addrLen + 5]byte
	// rbuf receives short register and ID responses.
	rbuf          [8]byte
	logger        *slog.Logger
	_traceenabled bool
}

// New returns a Device that issues commands over bus.
func New(bus Transport, cfg Config) *Device {
	if bus == nil {
		panic("spiflash: nil transport")
	}
	d := &Device{}
	d.Configure(bus, cfg)
	return d
}

// Configure binds the transport and configuration to d. It must be called
// once before any command is issued on a zero Device.
func (d *Device) Configure(bus Transport, cfg Config) {
	d.bus = bus
	d.lastErr = NoError
	d.maxPolls = cfg.MaxPolls
	d.resetDelay = cfg.ResetDelay
	if d.resetDelay == nil {
		d.resetDelay = sleepResetDelay
	}
	d.logger = cfg.Logger
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
}

// Init verifies the chip identity and brings it up in 4-byte address mode.
//
// The manufacturer and device IDs are stored even if reading them fails so
// they may be inspected afterwards. If the manufacturer ID does not match
// mfrID no reset is attempted and an *IDMismatchError is returned.
func (d *Device) Init(capacity uint32, mfrID uint8) (err error) {
	d.lastErr = NoError
	d.totalSize = capacity
	d.info("Init:start", slog.Uint64("capacity", uint64(capacity)))
	start := time.Now()

	// The manufacturer/device ID response is preceded by 3 bytes of address padding.
	var idbuf [5]byte
	err = d.readCommand(OpManufacturerID, idbuf[:])
	d.mfrID = idbuf[3]
	d.devID = idbuf[4]
	if err != nil {
		d.logerr("Init:read-id", slog.String("err", err.Error()))
		return d.record(err)
	}
	d.debug("Init:id", slog.Uint64("mfr", uint64(d.mfrID)), slog.Uint64("dev", uint64(d.devID)))
	if d.mfrID != mfrID {
		return d.record(&IDMismatchError{Want: mfrID, Got: d.mfrID})
	}

	err = d.waitReady(context.Background(), d.maxPolls, StatusBusy)
	if err != nil {
		return d.record(err)
	}
	err = d.exec(OpEnableReset)
	if err != nil {
		return d.record(err)
	}
	err = d.exec(OpResetDevice)
	if err != nil {
		return d.record(err)
	}
	d.resetDelay()
	err = d.exec(OpEnter4ByteAddr)
	if err != nil {
		return d.record(err)
	}
	// Reset should leave the latch clear; make sure of it.
	err = d.exec(OpWriteDisable)
	if err != nil {
		return d.record(err)
	}
	err = d.waitReady(context.Background(), d.maxPolls, StatusBusy|StatusWEL)
	if err != nil {
		return d.record(err)
	}
	d.info("Init:done", slog.Duration("took", time.Since(start)))
	return nil
}

// JEDECID returns the 24 bit JEDEC ID: manufacturer, memory type and capacity
// bytes packed big endian.
func (d *Device) JEDECID() (uint32, error) {
	d.lastErr = NoError
	buf := d.rbuf[:3]
	err := d.readCommand(OpJEDECID, buf)
	if err != nil {
		return 0, d.record(err)
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// UniqueID reads the factory programmed 64 bit unique ID.
func (d *Device) UniqueID() (uint64, error) {
	d.lastErr = NoError
	cmd := d.cmdbuf[:1+OpUniqueID.DummyBytes()]
	clear(cmd)
	cmd[0] = byte(OpUniqueID)
	buf := d.rbuf[:8]
	err := d.txn(cmd, nil, buf)
	if err != nil {
		return 0, d.record(err)
	}
	var id uint64
	for _, b := range buf {
		id = id<<8 | uint64(b)
	}
	return id, nil
}

// ManufacturerID returns the manufacturer ID observed by the last Init.
func (d *Device) ManufacturerID() uint8 { return d.mfrID }

// DeviceID returns the device ID observed by the last Init.
func (d *Device) DeviceID() uint8 { return d.devID }

// Size returns the capacity in bytes given to Init.
func (d *Device) Size() int64 { return int64(d.totalSize) }

// LastError returns the outcome of the most recently completed operation.
func (d *Device) LastError() ErrorKind { return d.lastErr }

// record stores the kind of err as the last error and returns err.
func (d *Device) record(err error) error {
	d.lastErr = kindOf(err)
	return err
}

func sleepResetDelay() { time.Sleep(ResetDelay) }
