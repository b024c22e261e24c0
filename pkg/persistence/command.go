package persistence

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command is one parsed AOF record: an operation name plus binary-safe
// arguments.
type Command struct {
	Name string
	Args [][]byte
}

// FormatCommand encodes a command as a framed, CRC-protected AOF record and
// returns it as a string ready for AOFWriter.Write. Arguments are
// length-prefixed (uvarint), so payloads may contain any bytes.
func FormatCommand(name string, args ...[]byte) string {
	var payload []byte
	payload = appendElement(payload, []byte(name))
	for _, arg := range args {
		payload = appendElement(payload, arg)
	}
	return string(EncodeFrame(payload))
}

func appendElement(buf, elem []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(elem)))
	return append(buf, elem...)
}

// ParseCommand reads the next framed command from the reader. io.EOF marks a
// clean end of log; frame errors mark the first damaged record.
func ParseCommand(r io.Reader) (*Command, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var elems [][]byte
	for off := 0; off < len(payload); {
		n, sz := binary.Uvarint(payload[off:])
		if sz <= 0 || off+sz+int(n) > len(payload) {
			return nil, fmt.Errorf("malformed command payload")
		}
		off += sz
		elems = append(elems, payload[off:off+int(n)])
		off += int(n)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	return &Command{Name: string(elems[0]), Args: elems[1:]}, nil
}
