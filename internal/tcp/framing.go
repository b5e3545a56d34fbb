package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single message so a corrupt or hostile peer cannot
// force an unbounded allocation from a forged length prefix.
const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
// This resolves spec.md §9's flagged latent bug ("one recv buffer == one
// message" is incorrect on any real TCP stack) with the length-prefix
// framing the spec explicitly recommends.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame blocks until a full length-prefixed frame has arrived.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
