package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shm-region/pkg/shm"
)

// Every transferred handle travels with a fixed 32-byte descriptor:
//
//	0  magic "SHMR"
//	4  version
//	5  mode
//	6  reserved, zero
//	8  size, little endian
//	16 region ID
const (
	descriptorSize = 32
	wireVersion    = 1
)

var wireMagic = []byte("SHMR")

var (
	// ErrBadDescriptor is returned when a message does not carry a valid region descriptor.
	ErrBadDescriptor = errors.New("transport: malformed region descriptor")
	// ErrNoHandle is returned when a descriptor arrives without a handle.
	ErrNoHandle = errors.New("transport: message carries no handle")
	// ErrModeMismatch is returned by typed receives when the peer sent a region of another mode.
	ErrModeMismatch = errors.New("transport: unexpected region mode")
)

type descriptor struct {
	mode shm.Mode
	size uint64
	id   shm.ID
}

func (d descriptor) appendTo(buf *bytebufferpool.ByteBuffer) {
	var hdr [descriptorSize]byte
	copy(hdr[0:4], wireMagic)
	hdr[4] = wireVersion
	hdr[5] = byte(d.mode)
	binary.LittleEndian.PutUint64(hdr[8:16], d.size)
	copy(hdr[16:32], d.id[:])
	_, _ = buf.Write(hdr[:])
}

func parseDescriptor(b []byte) (descriptor, error) {
	if len(b) != descriptorSize {
		return descriptor{}, fmt.Errorf("%w: %d bytes", ErrBadDescriptor, len(b))
	}
	if !bytes.Equal(b[0:4], wireMagic) {
		return descriptor{}, fmt.Errorf("%w: bad magic %q", ErrBadDescriptor, b[0:4])
	}
	if b[4] != wireVersion {
		return descriptor{}, fmt.Errorf("%w: unsupported version %d", ErrBadDescriptor, b[4])
	}
	if b[6] != 0 || b[7] != 0 {
		return descriptor{}, fmt.Errorf("%w: reserved bytes set", ErrBadDescriptor)
	}
	d := descriptor{
		mode: shm.Mode(b[5]),
		size: binary.LittleEndian.Uint64(b[8:16]),
	}
	if !d.mode.Valid() {
		return descriptor{}, fmt.Errorf("%w: unknown mode %d", ErrBadDescriptor, b[5])
	}
	copy(d.id[:], b[16:32])
	return d, nil
}
