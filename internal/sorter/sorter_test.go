package sorter

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concatMerge(_ []byte, values [][]byte) ([]byte, error) {
	var out []byte
	for _, v := range values {
		out = append(out, v...)
	}
	return out, nil
}

func drain(t *testing.T, it *Iterator) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var last string
	for it.Next() {
		key, value := it.Current()
		require.GreaterOrEqual(t, string(key), last, "keys must come out sorted")
		last = string(key)
		out[string(key)] = string(value)
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func TestSorterInMemory(t *testing.T) {
	w, err := New(concatMerge)
	require.NoError(t, err)

	require.NoError(t, w.Put([]byte("b"), []byte("2")))
	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	require.NoError(t, w.Put([]byte("c"), []byte("3")))

	it, err := w.Finalize()
	require.NoError(t, err)

	out := drain(t, it)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, out)
}

func TestSorterMergesEqualKeys(t *testing.T) {
	w, err := New(concatMerge)
	require.NoError(t, err)

	require.NoError(t, w.Put([]byte("k"), []byte("x")))
	require.NoError(t, w.Put([]byte("k"), []byte("y")))
	require.NoError(t, w.Put([]byte("k"), []byte("z")))

	it, err := w.Finalize()
	require.NoError(t, err)

	out := drain(t, it)
	// Stable: values merge in insertion order.
	assert.Equal(t, map[string]string{"k": "xyz"}, out)
}

func TestSorterSpills(t *testing.T) {
	w, err := New(concatMerge, func(o *Options) {
		o.MaxBufferBytes = 64 // force many spill runs
		o.TempDir = t.TempDir()
	})
	require.NoError(t, err)

	const n = 500
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i%100)
		val := fmt.Sprintf("v%03d;", i)
		require.NoError(t, w.Put([]byte(key), []byte(val)))
		want[key] += val
	}

	it, err := w.Finalize()
	require.NoError(t, err)

	out := drain(t, it)
	require.Len(t, out, 100)
	for key, val := range want {
		assert.Equal(t, val, out[key], "key %s", key)
	}
}

func TestSorterSpillStability(t *testing.T) {
	// Equal keys split across spill runs must still merge in Put order.
	w, err := New(concatMerge, func(o *Options) {
		o.MaxBufferBytes = 32
		o.TempDir = t.TempDir()
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Put([]byte("same"), []byte(fmt.Sprintf("%02d,", i))))
	}

	it, err := w.Finalize()
	require.NoError(t, err)
	out := drain(t, it)

	var want string
	for i := 0; i < 50; i++ {
		want += fmt.Sprintf("%02d,", i)
	}
	assert.Equal(t, want, out["same"])
}

func TestSorterEmpty(t *testing.T) {
	w, err := New(concatMerge)
	require.NoError(t, err)

	it, err := w.Finalize()
	require.NoError(t, err)
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestSorterDoubleFinalize(t *testing.T) {
	w, err := New(concatMerge)
	require.NoError(t, err)

	_, err = w.Finalize()
	require.NoError(t, err)
	_, err = w.Finalize()
	assert.Error(t, err)
}

func TestSorterCleanupRemovesRuns(t *testing.T) {
	dir := t.TempDir()
	w, err := New(concatMerge, func(o *Options) {
		o.MaxBufferBytes = 16
		o.TempDir = dir
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	w.Cleanup()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
