package catalog

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// NameSize is the size of the name buffer, terminator included.
	NameSize = 8

	// HeaderSize 12 bytes: name buffer followed by a little endian uint32
	// length, no padding.
	HeaderSize = NameSize + 4
)

// Header precedes the data of every blob. An empty Name marks the end of
// the catalog.
type Header struct {
	Name   string
	Length uint32
}

func (h Header) MarshalBinary() ([]byte, error) {
	if len(h.Name) > NameSize-1 {
		return nil, errors.Wrapf(ErrNameTooLong, "%q is %d bytes, max %d", h.Name, len(h.Name), NameSize-1)
	}

	p := make([]byte, HeaderSize)
	copy(p[:NameSize], h.Name)
	binary.LittleEndian.PutUint32(p[NameSize:], h.Length)
	return p, nil
}

// UnmarshalBinary decodes a header. A name buffer without a terminator is
// taken whole.
func (h *Header) UnmarshalBinary(p []byte) error {
	if len(p) != HeaderSize {
		return errors.Errorf("header is %d bytes, want %d", len(p), HeaderSize)
	}

	name := p[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	h.Name = string(name)
	h.Length = binary.LittleEndian.Uint32(p[NameSize:])
	return nil
}
