package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/spiflash"
)

type options struct {
	omitStatus bool
	omitData   bool
	timings    bool
}

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := slog.New(handler)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flashanalyze - Decode Saleae binary digital captures of SPI NOR flash transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	clk := flag.String("f-clk", "digital_1.bin", "Input filename: SPI clock data.")
	mosi := flag.String("f-mosi", "digital_2.bin", "Input filename: SPI host-to-chip data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI chip-to-host data. Empty to skip read data.")
	output := flag.String("o", "", "Output filename of decoded flash commands. Defaults to stdout.")
	var opts options
	flag.BoolVar(&opts.omitStatus, "omit-status", false, "Omit status register reads in output.")
	flag.BoolVar(&opts.omitData, "omit-data", false, "Omit payload data in output.")
	flag.BoolVar(&opts.timings, "time", false, "Prefix every command with its start time.")
	flag.Parse()

	start := time.Now()
	txs, err := processSpiFiles(log, *clk, *enable, *mosi, *miso)
	if err != nil {
		log.Error("processing capture", slog.String("err", err.Error()))
		os.Exit(1)
	}
	var w io.Writer = os.Stdout
	if *output != "" {
		fp, err := os.Create(*output)
		if err != nil {
			log.Error("creating output", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer fp.Close()
		w = fp
	}
	err = write(w, txs, opts)
	if err != nil {
		log.Error("writing output", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("finished", slog.Int("transactions", len(txs)), slog.Duration("took", time.Since(start)))
}

func write(w io.Writer, txs []flashtx, opts options) (err error) {
	for _, tx := range collapse(txs) {
		if opts.omitStatus && isStatusRead(tx.Op) {
			continue
		}
		if opts.omitData {
			tx.Data = nil
		}
		if opts.timings {
			_, err = fmt.Fprintf(w, "t=%f\t", tx.Start)
			if err != nil {
				return err
			}
		}
		_, err = fmt.Fprintln(w, tx.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func isStatusRead(op spiflash.Opcode) bool {
	return op == spiflash.OpReadStatus1 || op == spiflash.OpReadStatus2 || op == spiflash.OpReadStatus3
}

func processSpiFiles(log *slog.Logger, fclk, fenable, fmosi, fmiso string) ([]flashtx, error) {
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	out := scanLine(log, "mosi", func() ([]analyzers.TxSPI, error) {
		return spi.Scan(clk, enable, mosi, mosi)
	})
	var in []analyzers.TxSPI
	if fmiso != "" {
		miso, err := opendigital(fmiso)
		if err != nil {
			return nil, err
		}
		// The analyzer only reports the SDO line, so scan again with MISO in its place.
		in = scanLine(log, "miso", func() ([]analyzers.TxSPI, error) {
			return spi.Scan(clk, enable, miso, miso)
		})
		if len(in) != len(out) {
			return nil, errors.New("MOSI and MISO captures frame a different number of transactions")
		}
	}
	var dec decoder
	txs := make([]flashtx, len(out))
	for i := range out {
		var r []byte
		if in != nil {
			r = in[i].SDO
		}
		txs[i] = dec.decode(out[i].SDO, r)
		txs[i].Start = out[i].StartTime()
	}
	return txs, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// scanLine runs scan and returns whatever transactions it decoded. Scan
// errors usually mean a truncated capture, so they are logged and decoding
// continues with the partial result.
func scanLine(log *slog.Logger, line string, scan func() ([]analyzers.TxSPI, error)) []analyzers.TxSPI {
	txs, err := scan()
	if err != nil {
		log.Warn("scan", slog.String("line", line), slog.Int("decoded", len(txs)), slog.String("err", err.Error()))
	}
	return txs
}
