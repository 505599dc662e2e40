package quarry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/quarrydb/quarry/blobstore"
	"github.com/quarrydb/quarry/internal/storage"
)

// backupMagic identifies a backup archive and its format version.
var backupMagic = []byte("qry1")

// Backup writes the currently published generation as one archive blob. The
// snapshot is pinned for the whole dump, so a build publishing meanwhile
// never bleeds into the archive.
func (e *Engine) Backup(ctx context.Context, store blobstore.Store, name string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := e.backup(ctx, store, name)
	e.metrics.RecordBackup(time.Since(start), err)

	snapGen := uint64(0)
	if gen, gerr := e.Generation(); gerr == nil {
		snapGen = uint64(gen)
	}
	e.logger.LogBackup(ctx, snapGen, name, err)
	return err
}

func (e *Engine) backup(ctx context.Context, store blobstore.Store, name string) error {
	snap, err := e.store.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	blob, err := store.Create(ctx, name)
	if err != nil {
		return err
	}

	if _, err := blob.Write(backupMagic); err != nil {
		blob.Close()
		return err
	}
	zw, err := zstd.NewWriter(blob)
	if err != nil {
		blob.Close()
		return err
	}

	var scratch [binary.MaxVarintLen64]byte
	writeChunk := func(p []byte) error {
		n := binary.PutUvarint(scratch[:], uint64(len(p)))
		if _, err := zw.Write(scratch[:n]); err != nil {
			return err
		}
		_, err := zw.Write(p)
		return err
	}

	dumpErr := snap.Iterate(nil, func(key, value []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := writeChunk(key); err != nil {
			return false, err
		}
		return true, writeChunk(value)
	})
	if dumpErr != nil {
		zw.Close()
		blob.Close()
		return dumpErr
	}
	if err := zw.Close(); err != nil {
		blob.Close()
		return err
	}
	return blob.Close()
}

// Restore replaces the engine's contents with the archived generation and
// publishes the result as a new generation. It runs as one build pass:
// concurrent readers keep their pinned view, and a concurrent Apply fails
// with ErrBuildInFlight.
func (e *Engine) Restore(ctx context.Context, store blobstore.Store, name string) (gen uint64, err error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	defer func() {
		e.metrics.RecordBackup(time.Since(start), err)
		e.logger.LogRestore(ctx, gen, name, err)
	}()

	blob, err := store.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer blob.Close()

	br := bufio.NewReader(blob)
	magic := make([]byte, len(backupMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return 0, fmt.Errorf("restore %q: %w", name, err)
	}
	if !bytes.Equal(magic, backupMagic) {
		return 0, fmt.Errorf("restore %q: not a backup archive", name)
	}
	zr, err := zstd.NewReader(br)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	tx, err := e.store.BeginBuild()
	if err != nil {
		return 0, translateBuildError(err)
	}
	defer tx.Discard()

	// Clear the current contents; the archive fully replaces them.
	var stale [][]byte
	if err := tx.Iterate(nil, func(key, _ []byte) (bool, error) {
		stale = append(stale, append([]byte(nil), key...))
		return true, nil
	}); err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := tx.Delete(key); err != nil {
			return 0, err
		}
	}

	zbr := bufio.NewReader(zr)
	readChunk := func() ([]byte, error) {
		n, err := binary.ReadUvarint(zbr)
		if err != nil {
			return nil, err
		}
		p := make([]byte, n)
		if _, err := io.ReadFull(zbr, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	var archived *storage.Manifest
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		key, err := readChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("restore %q: %w", name, err)
		}
		value, err := readChunk()
		if err != nil {
			return 0, fmt.Errorf("restore %q: %w", name, err)
		}
		if storage.IsManifestKey(key) {
			m, err := storage.DecodeManifest(value)
			if err != nil {
				return 0, fmt.Errorf("restore %q: %w", name, err)
			}
			archived = &m
			continue
		}
		if err := tx.Set(key, value); err != nil {
			return 0, err
		}
	}
	if archived == nil {
		return 0, fmt.Errorf("restore %q: archive has no manifest", name)
	}

	// Generations stay monotonic for this store regardless of the
	// archive's own counter.
	next := tx.Manifest().Generation + 1
	if err := tx.Publish(storage.Manifest{
		Generation: next,
		NextDocID:  archived.NextDocID,
		LiveDocs:   archived.LiveDocs,
	}); err != nil {
		return 0, translateBuildError(err)
	}
	return uint64(next), nil
}
