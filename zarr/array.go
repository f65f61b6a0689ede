/*
	Package zarr creates, opens, reads and writes chunked N-d arrays in the zarr v2
	layout on any storage engine.  Writes are addressed by a cellflow.Region in array
	coordinates and must match the region's extent exactly.
*/
package zarr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
)

// Mode is the persistence mode used when opening an array.
type Mode string

const (
	// ModeRead opens an existing array read-only.
	ModeRead Mode = "r"

	// ModeReadWrite opens an existing array for reading and writing.
	ModeReadWrite Mode = "r+"

	// ModeAppend opens an existing array, keeping its chunk layout, or creates it from
	// the given metadata.
	ModeAppend Mode = "a"

	// ModeCreate creates an array, deleting any existing data at the location.
	ModeCreate Mode = "w"

	// ModeCreateNew creates an array and fails if one exists.
	ModeCreateNew Mode = "w-"
)

// ErrReadOnly is returned when writing an array opened with ModeRead.
var ErrReadOnly = errors.New("array is read-only")

// Array is a chunked array backed by a storage.Store.
type Array struct {
	store    storage.Store
	owned    bool
	meta     Meta
	dataType cellflow.DataType
	itemSize int
	codec    codec
	fill     []byte
	readOnly bool
	cache    *ChunkCache
	cacheID  string

	writeMu sync.Mutex
}

// Option configures an Array.
type Option func(*Array)

// WithCache sets the decoded chunk cache.  Nil disables caching.
func WithCache(c *ChunkCache) Option {
	return func(a *Array) { a.cache = c }
}

var (
	defaultCacheOnce sync.Once
	defaultCache     *ChunkCache
)

func sharedCache() *ChunkCache {
	defaultCacheOnce.Do(func() {
		defaultCache = NewChunkCache(DefaultCacheSize)
	})
	return defaultCache
}

// Create creates an array in the store, deleting any previous chunks there.
func Create(ctx context.Context, store storage.Store, meta Meta, opts ...Option) (*Array, error) {
	return OpenMode(ctx, store, ModeCreate, &meta, opts...)
}

// Open attaches to an existing array for reading and writing.
func Open(ctx context.Context, store storage.Store, opts ...Option) (*Array, error) {
	return OpenMode(ctx, store, ModeReadWrite, nil, opts...)
}

// OpenMode opens an array in the store with the given persistence mode.  The metadata
// is required for modes that may create the array.
func OpenMode(ctx context.Context, store storage.Store, mode Mode, meta *Meta, opts ...Option) (*Array, error) {
	existing, err := readMeta(ctx, store)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) && mode != ModeCreate {
		return nil, err
	}

	var m Meta
	switch mode {
	case ModeRead, ModeReadWrite:
		if !exists {
			return nil, fmt.Errorf("no array in %s: %w", store, storage.ErrNotFound)
		}
		m = existing
	case ModeAppend:
		if exists {
			m = existing
			// The existing chunk layout is kept; only the shape must agree.
			if meta != nil && !cellflow.SameShape(meta.Shape, m.Shape) {
				return nil, fmt.Errorf("array in %s has shape %s, expected %s", store,
					cellflow.ShapeString(m.Shape), cellflow.ShapeString(meta.Shape))
			}
		} else {
			if meta == nil {
				return nil, fmt.Errorf("no array in %s and no metadata to create one", store)
			}
			m = *meta
			if err := writeMeta(ctx, store, m); err != nil {
				return nil, err
			}
		}
	case ModeCreate:
		if meta == nil {
			return nil, fmt.Errorf("metadata required to create array in %s", store)
		}
		m = *meta
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if err := clearStore(ctx, store); err != nil {
			return nil, err
		}
		if err := writeMeta(ctx, store, m); err != nil {
			return nil, err
		}
	case ModeCreateNew:
		if exists {
			return nil, fmt.Errorf("array already exists in %s", store)
		}
		if meta == nil {
			return nil, fmt.Errorf("metadata required to create array in %s", store)
		}
		m = *meta
		if err := writeMeta(ctx, store, m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", mode)
	}
	a, err := newArray(store, m, mode == ModeRead)
	if err != nil {
		return nil, err
	}
	a.cache = sharedCache()
	for _, opt := range opts {
		opt(a)
	}
	if mode == ModeCreate {
		a.cache.Clear()
	}
	return a, nil
}

// CreateRef opens the store at ref and creates an array there.  The returned array
// closes the store when closed.
func CreateRef(ctx context.Context, ref string, meta Meta, opts ...Option) (*Array, error) {
	return OpenRef(ctx, ref, ModeCreate, &meta, opts...)
}

// OpenRef opens the store at ref and the array within it using mode.
func OpenRef(ctx context.Context, ref string, mode Mode, meta *Meta, opts ...Option) (*Array, error) {
	store, err := storage.Open(ref)
	if err != nil {
		return nil, err
	}
	a, err := OpenMode(ctx, store, mode, meta, opts...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening array %s: %w", ref, err)
	}
	a.owned = true
	return a, nil
}

func newArray(store storage.Store, m Meta, readOnly bool) (*Array, error) {
	t, err := m.Dtype.DataType()
	if err != nil {
		return nil, err
	}
	c, err := newCodec(m.Compressor)
	if err != nil {
		return nil, err
	}
	fill, err := m.fillElement()
	if err != nil {
		return nil, err
	}
	return &Array{
		store:    store,
		meta:     m,
		dataType: t,
		itemSize: cellflow.DataTypeBytes(t),
		codec:    c,
		fill:     fill,
		readOnly: readOnly,
		cacheID:  store.String(),
	}, nil
}

func readMeta(ctx context.Context, store storage.Store) (Meta, error) {
	data, err := store.Get(ctx, MetaKey)
	if err != nil {
		return Meta{}, err
	}
	m, err := decodeMeta(data)
	if err != nil {
		return Meta{}, fmt.Errorf("%s in %s: %w", MetaKey, store, err)
	}
	return m, nil
}

func writeMeta(ctx context.Context, store storage.Store, m Meta) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := m.marshal()
	if err != nil {
		return err
	}
	return store.Put(ctx, MetaKey, data)
}

// clearStore removes all keys from the store, using a bulk delete when available.
func clearStore(ctx context.Context, store storage.Store) error {
	if bulk, ok := store.(interface {
		DeleteAll(context.Context) (int, error)
	}); ok {
		_, err := bulk.DeleteAll(ctx)
		return err
	}
	n, err := storage.DeletePrefix(ctx, store, "")
	if n > 0 {
		cellflow.Debugf("Removed %d previous keys from %s\n", n, store)
	}
	return err
}

// Meta returns a copy of the array metadata.
func (a *Array) Meta() Meta {
	m := a.meta
	m.Shape = append([]int{}, a.meta.Shape...)
	m.Chunks = append([]int{}, a.meta.Chunks...)
	return m
}

// Shape returns the array shape.
func (a *Array) Shape() []int {
	return append([]int{}, a.meta.Shape...)
}

// Chunks returns the chunk shape.
func (a *Array) Chunks() []int {
	return append([]int{}, a.meta.Chunks...)
}

// DataType returns the element type.
func (a *Array) DataType() cellflow.DataType {
	return a.dataType
}

// ItemSize returns the bytes per element.
func (a *Array) ItemSize() int {
	return a.itemSize
}

func (a *Array) String() string {
	return fmt.Sprintf("zarr array %s %s chunks %s @ %s", a.meta.Dtype,
		cellflow.ShapeString(a.meta.Shape), cellflow.ShapeString(a.meta.Chunks), a.store)
}

// Close closes the underlying store if the array opened it.
func (a *Array) Close() error {
	if a.owned {
		return a.store.Close()
	}
	return nil
}

// ChunkKey returns the store key for a chunk grid index.
func (a *Array) ChunkKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, a.meta.Separator())
}

// chunkRegion returns the array region covered by a chunk, clipped to the array shape.
func (a *Array) chunkRegion(idx []int) cellflow.Region {
	r := make(cellflow.Region, len(idx))
	for d, i := range idx {
		start := i * a.meta.Chunks[d]
		stop := start + a.meta.Chunks[d]
		if stop > a.meta.Shape[d] {
			stop = a.meta.Shape[d]
		}
		r[d] = cellflow.Span{Start: start, Stop: stop}
	}
	return r
}

// chunkRange returns the first and last chunk index along each axis touched by region.
func (a *Array) chunkRange(region cellflow.Region) (lo, hi []int) {
	lo = make([]int, len(region))
	hi = make([]int, len(region))
	for d, s := range region {
		lo[d] = s.Start / a.meta.Chunks[d]
		hi[d] = (s.Stop - 1) / a.meta.Chunks[d]
	}
	return
}

// forEachChunk calls fn for every chunk index touched by a non-empty region.
func (a *Array) forEachChunk(region cellflow.Region, fn func(idx []int) error) error {
	lo, hi := a.chunkRange(region)
	idx := append([]int{}, lo...)
	for {
		if err := fn(append([]int{}, idx...)); err != nil {
			return err
		}
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] <= hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return nil
		}
	}
}

func (a *Array) fillChunk() []byte {
	buf := make([]byte, a.meta.ChunkBytes())
	if isZero(a.fill) {
		return buf
	}
	for i := 0; i < len(buf); i += a.itemSize {
		copy(buf[i:], a.fill)
	}
	return buf
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// readChunk returns the decoded chunk or a fill-value chunk if it was never written.
func (a *Array) readChunk(ctx context.Context, key string) ([]byte, error) {
	cacheKey := a.cacheID + "/" + key
	if data, found := a.cache.get(cacheKey); found {
		return data, nil
	}
	enc, err := a.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return a.fillChunk(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %q of %s: %w", key, a.store, err)
	}
	data, err := a.codec.decode(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %q of %s: %w", key, a.store, err)
	}
	if len(data) != a.meta.ChunkBytes() {
		return nil, fmt.Errorf("chunk %q of %s has %d bytes, expected %d", key, a.store, len(data), a.meta.ChunkBytes())
	}
	a.cache.set(cacheKey, data)
	return data, nil
}

func (a *Array) writeChunk(ctx context.Context, key string, data []byte) error {
	enc, err := a.codec.encode(data)
	if err != nil {
		return fmt.Errorf("encoding chunk %q of %s: %w", key, a.store, err)
	}
	if err := a.store.Put(ctx, key, enc); err != nil {
		return fmt.Errorf("writing chunk %q of %s: %w", key, a.store, err)
	}
	a.cache.del(a.cacheID + "/" + key)
	return nil
}

func offsetRegion(r cellflow.Region, origin []int) cellflow.Region {
	out := make(cellflow.Region, len(r))
	for d, s := range r {
		out[d] = cellflow.Span{Start: s.Start - origin[d], Stop: s.Stop - origin[d]}
	}
	return out
}

func intersect(r1, r2 cellflow.Region) cellflow.Region {
	out := make(cellflow.Region, len(r1))
	for d := range r1 {
		out[d] = cellflow.Span{Start: max(r1[d].Start, r2[d].Start), Stop: min(r1[d].Stop, r2[d].Stop)}
	}
	return out
}

func (a *Array) checkRegion(region cellflow.Region) error {
	if !region.Within(a.meta.Shape) {
		return fmt.Errorf("region %s not within array shape %s", region, cellflow.ShapeString(a.meta.Shape))
	}
	return nil
}

// Write stores data, the little-endian C-order encoding of the region's elements, into
// exactly the given region.  The data length must match the region's extent.
func (a *Array) Write(ctx context.Context, region cellflow.Region, data []byte) error {
	if a.readOnly {
		return ErrReadOnly
	}
	if err := a.checkRegion(region); err != nil {
		return err
	}
	if expected := region.NumElements() * a.itemSize; len(data) != expected {
		return fmt.Errorf("write to %s needs %d bytes for shape %s, got %d", region, expected,
			cellflow.ShapeString(region.Shape()), len(data))
	}
	if region.NumElements() == 0 {
		return nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	regionShape := region.Shape()
	origin := region.StartPoint()
	return a.forEachChunk(region, func(idx []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := a.ChunkKey(idx)
		bounds := a.chunkRegion(idx)
		overlap := intersect(region, bounds)
		chunkOrigin := make([]int, len(idx))
		for d := range idx {
			chunkOrigin[d] = idx[d] * a.meta.Chunks[d]
		}

		var buf []byte
		if overlap.Equals(bounds) {
			buf = a.fillChunk()
		} else {
			existing, err := a.readChunk(ctx, key)
			if err != nil {
				return err
			}
			buf = existing
		}
		err := cellflow.CopyRegion(buf, a.meta.Chunks, offsetRegion(overlap, chunkOrigin),
			data, regionShape, offsetRegion(overlap, origin), a.itemSize)
		if err != nil {
			return err
		}
		return a.writeChunk(ctx, key, buf)
	})
}

// Read returns the little-endian C-order encoding of the elements in region.
func (a *Array) Read(ctx context.Context, region cellflow.Region) ([]byte, error) {
	if err := a.checkRegion(region); err != nil {
		return nil, err
	}
	out := make([]byte, region.NumElements()*a.itemSize)
	if len(out) == 0 {
		return out, nil
	}
	regionShape := region.Shape()
	origin := region.StartPoint()
	err := a.forEachChunk(region, func(idx []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := a.readChunk(ctx, a.ChunkKey(idx))
		if err != nil {
			return err
		}
		overlap := intersect(region, a.chunkRegion(idx))
		chunkOrigin := make([]int, len(idx))
		for d := range idx {
			chunkOrigin[d] = idx[d] * a.meta.Chunks[d]
		}
		return cellflow.CopyRegion(out, regionShape, offsetRegion(overlap, origin),
			buf, a.meta.Chunks, offsetRegion(overlap, chunkOrigin), a.itemSize)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadVolume reads a region and converts its elements to float32.
func (a *Array) ReadVolume(ctx context.Context, region cellflow.Region) (*cellflow.Volume, error) {
	data, err := a.Read(ctx, region)
	if err != nil {
		return nil, err
	}
	return cellflow.VolumeFromBytes(region.Shape(), a.dataType, data)
}

// WriteVolume writes a float32 volume into a float32 array region.
func (a *Array) WriteVolume(ctx context.Context, region cellflow.Region, v *cellflow.Volume) error {
	if a.dataType != cellflow.T_float32 {
		return fmt.Errorf("can't write float32 volume to %s array", a.dataType)
	}
	if !cellflow.SameShape(v.Shape, region.Shape()) {
		return fmt.Errorf("volume shape %s does not match region %s", cellflow.ShapeString(v.Shape), region)
	}
	return a.Write(ctx, region, v.Bytes())
}

// WriteMask writes a mask into a uint8 array region.
func (a *Array) WriteMask(ctx context.Context, region cellflow.Region, m *cellflow.Mask) error {
	if a.dataType != cellflow.T_uint8 {
		return fmt.Errorf("can't write uint8 mask to %s array", a.dataType)
	}
	if !cellflow.SameShape(m.Shape, region.Shape()) {
		return fmt.Errorf("mask shape %s does not match region %s", cellflow.ShapeString(m.Shape), region)
	}
	return a.Write(ctx, region, m.Bytes())
}
