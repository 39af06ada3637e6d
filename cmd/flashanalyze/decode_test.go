package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soypat/spiflash"
)

func TestDecodeAddressMode(t *testing.T) {
	var dec decoder
	tx := dec.decode([]byte{0x02, 0x01, 0x02, 0x03, 0xaa, 0xbb}, nil)
	if tx.Op != spiflash.OpPageProgram || !tx.HasAddr || tx.Addr != 0x010203 {
		t.Errorf("3-byte program decoded as %s", tx.String())
	}
	if !bytes.Equal(tx.Data, []byte{0xaa, 0xbb}) {
		t.Errorf("data % x", tx.Data)
	}
	dec.decode([]byte{byte(spiflash.OpEnter4ByteAddr)}, nil)
	tx = dec.decode([]byte{0x02, 0x01, 0x02, 0x03, 0x04, 0xaa}, nil)
	if tx.Addr != 0x01020304 || !bytes.Equal(tx.Data, []byte{0xaa}) {
		t.Errorf("4-byte program decoded as %s", tx.String())
	}
	dec.decode([]byte{byte(spiflash.OpEnableReset)}, nil)
	dec.decode([]byte{byte(spiflash.OpResetDevice)}, nil)
	if dec.addr4 {
		t.Error("reset did not return decoder to 3-byte mode")
	}
}

func TestDecodeRead(t *testing.T) {
	var dec decoder
	mosi := []byte{0x0c, 0, 0, 0x10, 0, 0, 0, 0}
	miso := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x12, 0x34}
	tx := dec.decode(mosi, miso)
	if tx.Addr != 0x1000 || !bytes.Equal(tx.Data, []byte{0x12, 0x34}) {
		t.Errorf("fast read decoded as %s", tx.String())
	}
	tx = dec.decode([]byte{0x05, 0}, []byte{0xff, 0x03})
	if tx.HasAddr || !bytes.Equal(tx.Data, []byte{0x03}) {
		t.Errorf("status read decoded as %s", tx.String())
	}
}

func TestWriteCollapse(t *testing.T) {
	var dec decoder
	var txs []flashtx
	for _, mosi := range [][]byte{{0x06}, {0x05, 0}, {0x05, 0}, {0x05, 0}, {0x04}} {
		txs = append(txs, dec.decode(mosi, []byte{0xff, 0x01}))
	}
	var buf strings.Builder
	err := write(&buf, txs, options{})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "cmd× 3 read-status1") {
		t.Errorf("status polls not collapsed: %q", lines[1])
	}
	buf.Reset()
	write(&buf, txs, options{omitStatus: true})
	if strings.Contains(buf.String(), "read-status1") {
		t.Error("status reads not omitted")
	}
}
