package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kochman/veprom"
)

const (
	storeExt    = ".map"
	contextFile = "veprom.context"
)

func NewBackend(dir string) (*Backend, error) {
	_, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to stat dir: %w", err)
	}

	b := &Backend{
		dir: dir,
	}
	return b, nil
}

// Backend keeps each store as <dir>/<id>.map and the context record as
// <dir>/veprom.context.
type Backend struct {
	dir string
}

func (b *Backend) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.IndexByte(id, 0) >= 0 {
		return "", fmt.Errorf("invalid store id %q: %w", id, fs.ErrInvalid)
	}
	return filepath.Join(b.dir, id+storeExt), nil
}

func (b *Backend) New(id string) (veprom.Handle, error) {
	p, err := b.path(id)
	if err != nil {
		return nil, err
	}

	// O_EXCL makes the existence check and the claim one step
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("unable to create %s: %w", id, veprom.ErrStoreExists)
	} else if err != nil {
		return nil, fmt.Errorf("unable to create store file: %w", err)
	}

	return &Handle{f: f}, nil
}

func (b *Backend) Open(id string) (veprom.Handle, error) {
	p, err := b.path(id)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(p, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open store file: %w", err)
	}
	return &Handle{f: f}, nil
}

func (b *Backend) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("unable to read dir: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), storeExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), storeExt))
	}
	return ids, nil
}

func (b *Backend) LoadContext() ([]byte, error) {
	p, err := os.ReadFile(filepath.Join(b.dir, contextFile))
	if err != nil {
		return nil, fmt.Errorf("unable to read context: %w", err)
	}
	return p, nil
}

func (b *Backend) SaveContext(p []byte) error {
	f, err := os.OpenFile(filepath.Join(b.dir, contextFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("unable to open context: %w", err)
	}
	defer f.Close()

	n, err := f.Write(p)
	if err != nil {
		return fmt.Errorf("unable to write context: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("unable to write context: %w", io.ErrShortWrite)
	}
	return f.Close()
}

// Replace writes p to a temporary file next to the store and renames it
// over the store.
func (b *Backend) Replace(id string, p []byte) error {
	dest, err := b.path(id)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(b.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tmp := f.Name()

	err = func() error {
		defer f.Close()

		_, err := f.Write(p)
		if err != nil {
			return fmt.Errorf("unable to write temp file: %w", err)
		}
		err = f.Sync()
		if err != nil {
			return fmt.Errorf("unable to sync temp file: %w", err)
		}
		return f.Close()
	}()
	if err != nil {
		os.Remove(tmp)
		return err
	}

	err = os.Rename(tmp, dest)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("unable to rename temp file: %w", err)
	}
	return nil
}

type Handle struct {
	f *os.File
}

func (h *Handle) Close() error {
	err := h.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (h *Handle) ReadAt(p []byte, offset uint64) error {
	n, err := h.f.ReadAt(p, int64(offset))
	if n == len(p) {
		// ReadAt may report io.EOF alongside a full read at the end of file
		return nil
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("unable to read from store file: %w", err)
}

func (h *Handle) WriteAt(p []byte, offset uint64) error {
	n, err := h.f.WriteAt(p, int64(offset))
	if err != nil {
		return fmt.Errorf("unable to write to store file: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("unable to write to store file: %w", io.ErrShortWrite)
	}
	return nil
}

func (h *Handle) Size() (uint64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("unable to stat store file: %w", err)
	}
	return uint64(fi.Size()), nil
}
