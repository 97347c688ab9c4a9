/*
Package catalog stores named blobs inside a device's raw byte space.

Blobs are laid out back to back from offset 0, each one a fixed size
Header followed by Length bytes of data. The first header with an empty
name ends the catalog and is where the next blob goes.

Blobs are only appended. Names are not checked for uniqueness and a lookup
returns the first match, so a later blob with the same name is never seen.
*/
package catalog

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNameTooLong = errors.New("blob name too long")
	ErrInvalidName = errors.New("invalid blob name")
	ErrStoreFull   = errors.New("no free space in catalog")
	ErrNotFound    = errors.New("blob not found")
	ErrRead        = errors.New("unable to read blob data")
)

// RawDevice is the raw byte access the catalog is built on. *veprom.Device
// implements it for the active store.
type RawDevice interface {
	ReadRaw(addr, length uint64) ([]byte, error)
	WriteRaw(addr uint64, p []byte) error
}

// Catalog interprets a RawDevice's bytes. It holds no state of its own.
type Catalog struct {
	dev RawDevice
}

func New(dev RawDevice) *Catalog {
	return &Catalog{dev: dev}
}

// Cursor iterates over the catalog from the beginning.
func (c *Catalog) Cursor() *Cursor {
	return &Cursor{dev: c.dev}
}

// FreePosition returns the offset of the first empty header. It returns
// ErrStoreFull if the scan reaches the end of the store first.
func (c *Catalog) FreePosition() (uint64, error) {
	cur := c.Cursor()
	for cur.Next() {
	}
	if cur.Err() != nil {
		return 0, cur.Err()
	}
	if cur.Exhausted() {
		return 0, errors.Wrapf(ErrStoreFull, "no empty header after %d", cur.Offset())
	}
	return cur.Offset(), nil
}

func validName(name string) error {
	if len(name) > NameSize-1 {
		return errors.Wrapf(ErrNameTooLong, "%q is %d bytes, max %d", name, len(name), NameSize-1)
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// Put appends a blob at the free position. The header and the data are two
// separate raw writes: if the data write fails the header stays behind.
func (c *Catalog) Put(name string, data []byte) error {
	err := validName(name)
	if err != nil {
		return err
	}
	if uint64(len(data)) > math.MaxUint32 {
		return errors.Wrapf(ErrStoreFull, "%d bytes does not fit a header", len(data))
	}

	pos, err := c.FreePosition()
	if err != nil {
		return err
	}

	hdr, err := Header{Name: name, Length: uint32(len(data))}.MarshalBinary()
	if err != nil {
		return err
	}
	err = c.dev.WriteRaw(pos, hdr)
	if err != nil {
		return errors.Wrapf(err, "write header for %s", name)
	}

	if len(data) == 0 {
		return nil
	}
	err = c.dev.WriteRaw(pos+HeaderSize, data)
	if err != nil {
		return errors.Wrapf(err, "write data for %s", name)
	}
	return nil
}

// Get returns the data of the first blob called name.
func (c *Catalog) Get(name string) ([]byte, error) {
	cur := c.Cursor()
	for cur.Next() {
		h := cur.Header()
		if h.Name != name {
			continue
		}

		p, err := c.dev.ReadRaw(cur.DataOffset(), uint64(h.Length))
		if err != nil {
			return nil, errors.Wrapf(ErrRead, "%s: %d bytes at %d: %v", name, h.Length, cur.DataOffset(), err)
		}
		return p, nil
	}
	if cur.Err() != nil {
		return nil, cur.Err()
	}
	return nil, errors.Wrapf(ErrNotFound, "%s", name)
}

// Entry describes one stored blob.
type Entry struct {
	Name   string
	Offset uint64
	Length uint32
}

// Entries returns every blob in storage order. Running off the end of the
// store ends the listing without an error; failing to read the store does
// not, and the entries found so far are returned with the error.
func (c *Catalog) Entries() ([]Entry, error) {
	entries := []Entry{}
	cur := c.Cursor()
	for cur.Next() {
		h := cur.Header()
		entries = append(entries, Entry{Name: h.Name, Offset: cur.Offset(), Length: h.Length})
	}
	return entries, cur.Err()
}

// List returns the names of every blob in storage order.
func (c *Catalog) List() ([]string, error) {
	entries, err := c.Entries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, err
}
