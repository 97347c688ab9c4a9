package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"io/ioutil"
	"net/http"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/kochman/veprom"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ClientOptions builds client options from a credentials file and an
// endpoint override. An endpoint implies an emulator, so authentication is
// turned off.
func ClientOptions(credentials, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{}
	if credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	return opts
}

// Backend keeps each store as the object <prefix>/stores/<id> and the
// context record as <prefix>/context.
type Backend struct {
	b      *storage.BucketHandle
	prefix string
	gc     *gcsCacher
}

func NewBackend(bucket, prefix string, opts ...option.ClientOption) (*Backend, error) {
	ctx := context.Background()
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	b := client.Bucket(bucket)
	_, err = b.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}

	backend := &Backend{
		b:      b,
		prefix: prefix,
		gc:     newGCSCacher(b),
	}
	return backend, nil
}

func (b *Backend) storesPrefix() string {
	return path.Join(b.prefix, "stores") + "/"
}

func (b *Backend) key(id string) string {
	return b.storesPrefix() + id
}

func (b *Backend) contextKey() string {
	return path.Join(b.prefix, "context")
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (b *Backend) New(id string) (veprom.Handle, error) {
	ctx := context.Background()

	// the write only succeeds if nobody holds this name yet
	key := b.key(id)
	w := b.b.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	err := w.Close()
	if isPreconditionFailed(err) {
		return nil, fmt.Errorf("unable to create %s: %w", id, veprom.ErrStoreExists)
	} else if err != nil {
		return nil, fmt.Errorf("unable to create store object: %w", err)
	}

	b.gc.Put(key, nil)
	return &Handle{b: b, key: key}, nil
}

func (b *Backend) Open(id string) (veprom.Handle, error) {
	ctx := context.Background()

	key := b.key(id)
	_, err := b.b.Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, fmt.Errorf("unable to open %s: %w", id, fs.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("unable to get store attrs: %w", err)
	}

	return &Handle{b: b, key: key}, nil
}

func (b *Backend) List() ([]string, error) {
	ctx := context.Background()

	prefix := b.storesPrefix()
	q := &storage.Query{Prefix: prefix}
	err := q.SetAttrSelection([]string{"Name"})
	if err != nil {
		return nil, fmt.Errorf("unable to set attribute selection: %w", err)
	}

	ids := []string{}
	it := b.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("unable to iterate: %w", err)
		}

		id := strings.TrimPrefix(attrs.Name, prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) LoadContext() ([]byte, error) {
	r, err := b.b.Object(b.contextKey()).NewReader(context.Background())
	if err == storage.ErrObjectNotExist {
		return nil, fmt.Errorf("no context: %w", fs.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("unable to get context reader: %w", err)
	}
	defer r.Close()

	p, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read context: %w", err)
	}
	return p, nil
}

func (b *Backend) SaveContext(p []byte) error {
	w := b.b.Object(b.contextKey()).NewWriter(context.Background())
	_, err := w.Write(p)
	if err != nil {
		w.Close()
		return fmt.Errorf("unable to write context: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("unable to close context writer: %w", err)
	}
	return nil
}

// Replace writes a new generation of the store object. Object writes are
// all-or-nothing, so this is atomic.
func (b *Backend) Replace(id string, p []byte) error {
	return b.writeObject(b.key(id), p)
}

func (b *Backend) writeObject(key string, p []byte) error {
	w := b.b.Object(key).NewWriter(context.Background())
	_, err := w.Write(p)
	if err != nil {
		w.Close()
		return fmt.Errorf("unable to write object: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("unable to close writer: %w", err)
	}

	b.gc.Put(key, p)
	return nil
}

type Handle struct {
	b   *Backend
	key string
}

func (h *Handle) Close() error {
	return nil
}

func (h *Handle) ReadAt(p []byte, offset uint64) error {
	r, err := h.b.gc.RangeReader(h.key, offset, uint64(len(p)))
	if err != nil {
		return fmt.Errorf("unable to get store reader: %w", err)
	}
	defer r.Close()

	_, err = io.ReadFull(r, p)
	if err != nil {
		return fmt.Errorf("unable to read from store: %w", err)
	}
	return nil
}

// WriteAt rewrites the whole object with p laid over the existing bytes.
func (h *Handle) WriteAt(p []byte, offset uint64) error {
	merged, err := h.b.gc.Bytes(h.key)
	if err != nil {
		return fmt.Errorf("unable to read existing data: %w", err)
	}

	// pad with zeros if the write lands past the end
	end := offset + uint64(len(p))
	if end > uint64(len(merged)) {
		grown := make([]byte, end)
		copy(grown, merged)
		merged = grown
	}
	copy(merged[offset:], p)

	return h.b.writeObject(h.key, merged)
}

func (h *Handle) Size() (uint64, error) {
	if b, ok := h.b.gc.Get(h.key); ok {
		return uint64(len(b)), nil
	}

	attrs, err := h.b.b.Object(h.key).Attrs(context.Background())
	if err != nil {
		return 0, fmt.Errorf("unable to get store attrs: %w", err)
	}
	return uint64(attrs.Size), nil
}

// gcsCacher holds the last known content of objects written or read in
// full through this backend.
type gcsCacher struct {
	b *storage.BucketHandle
	l sync.Mutex
	c map[string][]byte
}

func (gc *gcsCacher) Get(key string) ([]byte, bool) {
	gc.l.Lock()
	defer gc.l.Unlock()

	b, ok := gc.c[key]
	return b, ok
}

// Bytes returns a private copy of the whole object.
func (gc *gcsCacher) Bytes(key string) ([]byte, error) {
	if b, ok := gc.Get(key); ok {
		c := make([]byte, len(b))
		copy(c, b)
		return c, nil
	}

	r, err := gc.b.Object(key).NewReader(context.Background())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	gc.Put(key, b)
	return b, nil
}

func (gc *gcsCacher) RangeReader(key string, offset, length uint64) (io.ReadCloser, error) {
	if b, ok := gc.Get(key); ok {
		if offset > uint64(len(b)) {
			offset = uint64(len(b))
		}
		end := offset + length
		if end > uint64(len(b)) {
			end = uint64(len(b))
		}
		c := make([]byte, end-offset)
		copy(c, b[offset:end])
		return ioutil.NopCloser(bytes.NewReader(c)), nil
	}
	return gc.b.Object(key).NewRangeReader(context.Background(), int64(offset), int64(length))
}

func (gc *gcsCacher) Put(key string, b []byte) {
	c := make([]byte, len(b))
	copy(c, b)

	gc.l.Lock()
	gc.c[key] = c
	gc.l.Unlock()
}

func newGCSCacher(b *storage.BucketHandle) *gcsCacher {
	return &gcsCacher{
		b: b,
		c: map[string][]byte{},
	}
}
