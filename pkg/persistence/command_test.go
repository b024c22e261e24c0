package persistence

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	var log bytes.Buffer
	log.WriteString(FormatCommand("EVADD", []byte("tx-1"), []byte("1700000000000"), []byte("payment"), []byte("42.5")))
	log.WriteString(FormatCommand("MERGE", []byte("tx-3"), []byte("tx-1"), []byte("tx-2")))
	log.WriteString(FormatCommand("RESET"))

	cmd, err := ParseCommand(&log)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if cmd.Name != "EVADD" || len(cmd.Args) != 4 || string(cmd.Args[0]) != "tx-1" || string(cmd.Args[3]) != "42.5" {
		t.Errorf("unexpected command: %s %q", cmd.Name, cmd.Args)
	}

	cmd, err = ParseCommand(&log)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if cmd.Name != "MERGE" || len(cmd.Args) != 3 {
		t.Errorf("unexpected command: %s %q", cmd.Name, cmd.Args)
	}

	cmd, err = ParseCommand(&log)
	if err != nil {
		t.Fatalf("third parse: %v", err)
	}
	if cmd.Name != "RESET" || len(cmd.Args) != 0 {
		t.Errorf("unexpected command: %s %q", cmd.Name, cmd.Args)
	}

	if _, err := ParseCommand(&log); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of log, got %v", err)
	}
}

func TestCommandBinarySafety(t *testing.T) {
	// Args may contain frame magic bytes, newlines and NULs.
	nasty := []byte{MagicByte, 0x00, '\n', 0xFF, MagicByte}
	var log bytes.Buffer
	log.WriteString(FormatCommand("TOUCH", nasty, []byte("")))

	cmd, err := ParseCommand(&log)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(cmd.Args[0], nasty) {
		t.Errorf("binary arg corrupted: %v", cmd.Args[0])
	}
	if len(cmd.Args[1]) != 0 {
		t.Errorf("empty arg corrupted: %v", cmd.Args[1])
	}
}

func TestTornWriteStopsCleanly(t *testing.T) {
	full := FormatCommand("EVADD", []byte("a"), []byte("1"), []byte("tx"), []byte("0"))
	torn := FormatCommand("EVADD", []byte("b"), []byte("2"), []byte("tx"), []byte("0"))

	// A crash mid-write leaves a truncated trailing frame.
	log := bytes.NewBufferString(full + torn[:len(torn)-3])

	cmd, err := ParseCommand(log)
	if err != nil {
		t.Fatalf("intact record: %v", err)
	}
	if string(cmd.Args[0]) != "a" {
		t.Errorf("wrong record: %q", cmd.Args[0])
	}

	_, err = ParseCommand(log)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("torn record should fail with a non-EOF error, got %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	rec := []byte(FormatCommand("EVADD", []byte("a"), []byte("1"), []byte("tx"), []byte("0")))
	rec[len(rec)-1] ^= 0xFF // corrupt the payload tail

	_, err := ParseCommand(bytes.NewReader(rec))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestInvalidMagic(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = 0x00 // not MagicByte
	_, err := ParseCommand(bytes.NewReader(header))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("got %v, want ErrInvalidMagic", err)
	}
}

func TestAOFWriterAppendAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aof")

	w, err := NewAOFWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(FormatCommand("RESET")); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := ParseCommand(bytes.NewReader(data))
	if err != nil || cmd.Name != "RESET" {
		t.Fatalf("read back: cmd=%v err=%v", cmd, err)
	}

	if err := w.Truncate(); err != nil {
		t.Fatal(err)
	}
	if info, _ := os.Stat(path); info.Size() != 0 {
		t.Errorf("file size after truncate = %d, want 0", info.Size())
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}
