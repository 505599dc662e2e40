// Package sorter provides an external sorter/merger for key/value streams
// that exceed memory.
//
// Pairs are buffered up to a configured budget, spilled to zstd-compressed
// sorted runs on overflow, and k-way merged at finalize. Keys repeating
// within or across runs are collapsed through a caller-supplied associative
// merge function, yielding a single ascending-key stream with exactly one
// entry per key. The sort is stable: values for equal keys reach the merge
// function in insertion order.
package sorter

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// ErrTempSpace indicates the sorter ran out of temporary storage. The build
// pass owning the sorter must abort; partial runs are removed.
var ErrTempSpace = errors.New("sorter: out of temporary storage")

// MergeFunc collapses all values observed for one key into a single value.
// Values arrive in insertion order. The function must be associative.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

// Options configures a Writer.
type Options struct {
	// MaxBufferBytes is the in-memory budget before a spill. Keys and values
	// both count against it.
	MaxBufferBytes int

	// TempDir is where spill runs are created. Empty means os.TempDir.
	TempDir string
}

// DefaultOptions contains the default options for a Writer.
var DefaultOptions = Options{
	MaxBufferBytes: 64 << 20,
}

type entry struct {
	key   []byte
	value []byte
}

// Writer accumulates key/value pairs and spills sorted runs to disk.
type Writer struct {
	opts    Options
	merge   MergeFunc
	buf     []entry
	bufSize int
	runs    []string
	done    bool
}

// New creates a Writer with the given merge function.
func New(merge MergeFunc, optFns ...func(o *Options)) (*Writer, error) {
	if merge == nil {
		return nil, errors.New("sorter: merge function is required")
	}
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = DefaultOptions.MaxBufferBytes
	}
	return &Writer{opts: opts, merge: merge}, nil
}

// Put adds one pair. Key and value are copied; callers may reuse buffers.
func (w *Writer) Put(key, value []byte) error {
	if w.done {
		return errors.New("sorter: writer already finalized")
	}
	e := entry{key: bytes.Clone(key), value: bytes.Clone(value)}
	w.buf = append(w.buf, e)
	w.bufSize += len(e.key) + len(e.value)
	if w.bufSize >= w.opts.MaxBufferBytes {
		return w.spill()
	}
	return nil
}

func (w *Writer) sortBuf() {
	sort.SliceStable(w.buf, func(i, j int) bool {
		return bytes.Compare(w.buf[i].key, w.buf[j].key) < 0
	})
}

// spill writes the sorted buffer as one compressed run and resets it.
func (w *Writer) spill() error {
	if len(w.buf) == 0 {
		return nil
	}
	w.sortBuf()

	f, err := os.CreateTemp(w.opts.TempDir, "quarry-sort-*.run")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTempSpace, err)
	}
	w.runs = append(w.runs, f.Name())

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}

	var scratch [binary.MaxVarintLen64]byte
	for _, e := range w.buf {
		if err := writeRecord(zw, &scratch, e.key, e.value); err != nil {
			zw.Close()
			f.Close()
			return fmt.Errorf("%w: %w", ErrTempSpace, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrTempSpace, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrTempSpace, err)
	}

	w.buf = w.buf[:0]
	w.bufSize = 0
	return nil
}

// Finalize merges all runs and the residual buffer into one ascending-key
// iterator. The Writer cannot be reused afterwards. Closing the iterator
// removes all temporary files; callers must Close it even on error paths.
func (w *Writer) Finalize() (*Iterator, error) {
	if w.done {
		return nil, errors.New("sorter: writer already finalized")
	}
	w.done = true

	// All in memory: no run files, merge directly from the buffer.
	if len(w.runs) == 0 {
		w.sortBuf()
		return &Iterator{merge: w.merge, mem: w.buf}, nil
	}

	if err := w.spill(); err != nil {
		w.Cleanup()
		return nil, err
	}

	it := &Iterator{merge: w.merge, runPaths: w.runs}
	w.runs = nil
	if err := it.openRuns(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// Cleanup removes any spill runs. Safe to call multiple times; Finalize
// transfers run ownership to the iterator, after which Cleanup is a no-op.
func (w *Writer) Cleanup() {
	for _, path := range w.runs {
		os.Remove(path)
	}
	w.runs = nil
}

func writeRecord(zw io.Writer, scratch *[binary.MaxVarintLen64]byte, key, value []byte) error {
	n := binary.PutUvarint(scratch[:], uint64(len(key)))
	if _, err := zw.Write(scratch[:n]); err != nil {
		return err
	}
	if _, err := zw.Write(key); err != nil {
		return err
	}
	n = binary.PutUvarint(scratch[:], uint64(len(value)))
	if _, err := zw.Write(scratch[:n]); err != nil {
		return err
	}
	_, err := zw.Write(value)
	return err
}

type runReader struct {
	path string
	file *os.File
	zr   *zstd.Decoder
	br   *byteReader
	key  []byte
	val  []byte
	eof  bool
}

// byteReader is a minimal byte reader over the zstd stream.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func (r *runReader) next() error {
	klen, err := binary.ReadUvarint(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.eof = true
			return nil
		}
		return err
	}
	r.key = make([]byte, klen)
	if _, err := io.ReadFull(r.zr, r.key); err != nil {
		return err
	}
	vlen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return err
	}
	r.val = make([]byte, vlen)
	_, err = io.ReadFull(r.zr, r.val)
	return err
}

func (r *runReader) close() {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		r.file.Close()
	}
	os.Remove(r.path)
}

// mergeHeap orders run readers by current key, breaking ties by run index so
// older runs (earlier insertions) surface first: this keeps the merge stable.
type mergeHeap []*heapItem

type heapItem struct {
	reader *runReader
	order  int
}

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].reader.key, h[j].reader.key); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Iterator yields the merged ascending-key stream.
type Iterator struct {
	merge MergeFunc

	// In-memory mode.
	mem    []entry
	memPos int

	// Disk mode.
	runPaths []string
	readers  []*runReader
	heap     mergeHeap

	key []byte
	val []byte
	err error
}

func (it *Iterator) openRuns() error {
	for i, path := range it.runPaths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return err
		}
		r := &runReader{path: path, file: f, zr: zr, br: &byteReader{r: zr}}
		it.readers = append(it.readers, r)
		if err := r.next(); err != nil {
			return err
		}
		if !r.eof {
			it.heap = append(it.heap, &heapItem{reader: r, order: i})
		}
	}
	heap.Init(&it.heap)
	return nil
}

// Next advances to the next merged key. It returns false at the end of the
// stream or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.readers == nil {
		return it.nextMem()
	}
	return it.nextDisk()
}

func (it *Iterator) nextMem() bool {
	if it.memPos >= len(it.mem) {
		return false
	}
	key := it.mem[it.memPos].key
	values := [][]byte{it.mem[it.memPos].value}
	it.memPos++
	for it.memPos < len(it.mem) && bytes.Equal(it.mem[it.memPos].key, key) {
		values = append(values, it.mem[it.memPos].value)
		it.memPos++
	}
	return it.collapse(key, values)
}

func (it *Iterator) nextDisk() bool {
	if it.heap.Len() == 0 {
		return false
	}
	top := it.heap[0]
	key := bytes.Clone(top.reader.key)
	var values [][]byte
	for it.heap.Len() > 0 && bytes.Equal(it.heap[0].reader.key, key) {
		item := it.heap[0]
		values = append(values, item.reader.val)
		if err := item.reader.next(); err != nil {
			it.err = err
			return false
		}
		if item.reader.eof {
			heap.Pop(&it.heap)
		} else {
			heap.Fix(&it.heap, 0)
		}
	}
	return it.collapse(key, values)
}

func (it *Iterator) collapse(key []byte, values [][]byte) bool {
	if len(values) == 1 {
		it.key, it.val = key, values[0]
		return true
	}
	merged, err := it.merge(key, values)
	if err != nil {
		it.err = err
		return false
	}
	it.key, it.val = key, merged
	return true
}

// Current returns the key and merged value positioned by the last Next.
// The slices are valid until the following Next call.
func (it *Iterator) Current() ([]byte, []byte) { return it.key, it.val }

// Err returns the first error encountered during iteration.
func (it *Iterator) Err() error { return it.err }

// Close releases readers and removes all temporary run files.
func (it *Iterator) Close() error {
	for _, r := range it.readers {
		r.close()
	}
	it.readers = nil
	for _, path := range it.runPaths {
		os.Remove(path)
	}
	it.runPaths = nil
	it.mem = nil
	return nil
}
