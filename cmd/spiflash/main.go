// Command spiflash reads, writes and erases SPI NOR flash chips from a host
// computer through a Linux spidev port or an FTDI FT232H adapter.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/spibus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

type flags struct {
	dev     string
	hz      physic.Frequency
	mfr     uint
	size    uint
	id      bool
	read    string
	write   string
	addr    uint
	n       uint
	sector  int
	block   int
	chip    bool
	verbose bool
}

func main() {
	f := flags{hz: 10 * physic.MegaHertz}
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "spiflash - Program SPI NOR flash chips.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&f.dev, "dev", "", "SPI port name as known to periph.io, or \"ftdi\" for the first FT232H found. Empty selects the first port.")
	flag.Var(&f.hz, "hz", "SPI clock frequency.")
	flag.UintVar(&f.mfr, "mfr", spiflash.MfrWinbond, "Expected JEDEC manufacturer ID.")
	flag.UintVar(&f.size, "size", spiflash.CapacityW25Q512, "Chip capacity in bytes.")
	flag.BoolVar(&f.id, "id", false, "Print chip identification.")
	flag.StringVar(&f.read, "read", "", "Read -n bytes at -addr into file.")
	flag.StringVar(&f.write, "write", "", "Erase and program file contents at -addr, then verify.")
	flag.UintVar(&f.addr, "addr", 0, "Start address for -read and -write.")
	flag.UintVar(&f.n, "n", 0, "Number of bytes for -read. Zero reads to the end of the chip.")
	flag.IntVar(&f.sector, "erase-sector", -1, "Erase 4KiB sector with this index.")
	flag.IntVar(&f.block, "erase-block", -1, "Erase 64KiB block with this index.")
	flag.BoolVar(&f.chip, "erase-chip", false, "Erase the whole chip.")
	flag.BoolVar(&f.verbose, "v", false, "Print debug logs.")
	flag.Parse()

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	err := run(f, log)
	if err != nil {
		log.Error("spiflash", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(f flags, log *slog.Logger) error {
	if uint64(f.size) > 1<<32-1 || f.mfr > 0xff {
		return errors.New("size or manufacturer ID out of range")
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host initialization failed: %w", err)
	}
	bus, closer, err := openBus(f.dev, f.hz)
	if err != nil {
		return err
	}
	defer closer.Close()
	chunk := 0
	if limit := bus.MaxTransfer(); limit > spiflash.ReadHeaderSize {
		chunk = limit - spiflash.ReadHeaderSize
		log.Debug("limited transfer", slog.Int("chunk", chunk))
	}

	dev := spiflash.New(bus, spiflash.Config{Logger: log})
	err = dev.Init(uint32(f.size), uint8(f.mfr))
	if err != nil {
		return fmt.Errorf("init (mfr=%#x dev=%#x): %w", dev.ManufacturerID(), dev.DeviceID(), err)
	}
	switch {
	case f.id:
		return printID(os.Stdout, dev)
	case f.read != "":
		return readFile(dev, log, f.read, int64(f.addr), int64(f.n), chunk)
	case f.write != "":
		return writeFile(dev, log, f.write, int64(f.addr), chunk)
	case f.sector >= 0:
		return eraseWait(dev, func() error { return dev.EraseSector(uint32(f.sector)) })
	case f.block >= 0:
		return eraseWait(dev, func() error { return dev.EraseBlock(uint32(f.block)) })
	case f.chip:
		return eraseWait(dev, dev.EraseChip)
	}
	return errors.New("no action given, see -h")
}

// openBus opens the SPI port named dev and returns a flash transport over it.
// FTDI adapters drive chip select from ADBUS4 in software; spidev ports
// toggle it in hardware around every transfer.
func openBus(dev string, hz physic.Frequency) (*spibus.Periph, io.Closer, error) {
	var (
		port spi.PortCloser
		cs   gpio.PinOut
		err  error
	)
	if dev == "ftdi" {
		ft := openFT232H()
		if ft == nil {
			return nil, nil, errors.New("FT232H device not found")
		}
		port, err = ft.SPI()
		cs = ft.D4
	} else {
		port, err = spireg.Open(dev)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get SPI port: %w", err)
	}
	conn, err := spibus.Connect(port, hz)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("SPI connection failed: %w", err)
	}
	bus, err := spibus.NewPeriph(conn, cs)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return bus, port, nil
}

func openFT232H() *ftdi.FT232H {
	for _, dev := range ftdi.All() {
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft
		}
	}
	return nil
}

func printID(w io.Writer, dev *spiflash.Device) error {
	jedec, err := dev.JEDECID()
	if err != nil {
		return err
	}
	uid, err := dev.UniqueID()
	if err != nil {
		return err
	}
	s1, err := dev.Status1()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "manufacturer: %#02x\ndevice:       %#02x\njedec:        %#06x\nunique:       %#016x\nstatus1:      %s\n",
		dev.ManufacturerID(), dev.DeviceID(), jedec, uid, s1)
	params, err := dev.SFDP()
	if err != nil {
		fmt.Fprintf(w, "sfdp:         %v\n", err)
		return nil
	}
	size, err := params.Size()
	if err == nil {
		fmt.Fprintf(w, "sfdp size:    %d bytes (rev %d.%d)\n", size, params.MajorRev, params.MinorRev)
	}
	return nil
}

// readFile reads n bytes at addr into filename in reads of at most chunk
// bytes. A chunk of zero reads in one go.
func readFile(dev *spiflash.Device, log *slog.Logger, filename string, addr, n int64, chunk int) error {
	if n == 0 {
		n = dev.Size() - addr
	}
	if n <= 0 {
		return spiflash.ErrOutOfRange
	}
	buf := make([]byte, n)
	start := time.Now()
	got, err := readChunked(dev, buf, addr, chunk)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	log.Info("read", slog.Int("bytes", got), slog.Duration("took", time.Since(start)))
	return os.WriteFile(filename, buf[:got], 0o644)
}

func writeFile(dev *spiflash.Device, log *slog.Logger, filename string, addr int64, chunk int) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	start := time.Now()
	err = dev.EraseRange(addr, int64(len(data)))
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	log.Info("erased", slog.Duration("took", time.Since(start)))
	n, err := dev.WriteAt(data, addr)
	if err != nil {
		return fmt.Errorf("program stopped after %d bytes: %w", n, err)
	}
	readback := make([]byte, len(data))
	_, err = readChunked(dev, readback, addr, chunk)
	if err != nil {
		return err
	}
	for i := range data {
		if data[i] != readback[i] {
			return fmt.Errorf("verify failed at %#x: want %#02x, got %#02x", addr+int64(i), data[i], readback[i])
		}
	}
	log.Info("programmed", slog.Int("bytes", len(data)), slog.Duration("took", time.Since(start)))
	return nil
}

// readChunked fills p from r at off with ReadAt calls of at most chunk bytes.
// A chunk of zero or less issues a single call.
func readChunked(r io.ReaderAt, p []byte, off int64, chunk int) (n int, err error) {
	if chunk <= 0 {
		return r.ReadAt(p, off)
	}
	for n < len(p) {
		var got int
		end := min(n+chunk, len(p))
		got, err = r.ReadAt(p[n:end], off+int64(n))
		n += got
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func eraseWait(dev *spiflash.Device, erase func() error) error {
	start := time.Now()
	err := erase()
	if err == nil {
		err = dev.WaitUntilReady()
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "erased in %s\n", time.Since(start))
	return nil
}
