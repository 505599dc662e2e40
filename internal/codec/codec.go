// Package codec serializes index values stored in the KV layer: position
// lists, geo points, embedding vectors and the generation manifest.
//
// Encodings are built from mus-go primitive serializers. Position lists are
// delta-encoded varints and lz4 block compressed when large enough to pay
// for it.
package codec

import (
	"errors"
	"fmt"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/pierrec/lz4/v4"

	"github.com/quarrydb/quarry/model"
)

// ErrCorrupt indicates a stored value failed to decode.
var ErrCorrupt = errors.New("codec: corrupt value")

// Position lists below this encoded size are stored raw; lz4 block
// compression only pays off past it.
const compressThreshold = 128

var float32Slice = ord.NewSliceSer[float32](raw.Float32)

// MarshalPositions encodes a sorted position list as delta varints, lz4
// compressed when large. The leading byte tags the encoding.
func MarshalPositions(positions []uint32) []byte {
	size := varint.Int.Size(len(positions))
	prev := uint32(0)
	for _, p := range positions {
		size += varint.Uint32.Size(p - prev)
		prev = p
	}
	plain := make([]byte, size)
	n := varint.Int.Marshal(len(positions), plain)
	prev = 0
	for _, p := range positions {
		n += varint.Uint32.Marshal(p-prev, plain[n:])
		prev = p
	}

	if len(plain) < compressThreshold {
		return append([]byte{0}, plain...)
	}
	dst := make([]byte, 1+varint.Int.Size(len(plain))+lz4.CompressBlockBound(len(plain)))
	dst[0] = 1
	hn := 1 + varint.Int.Marshal(len(plain), dst[1:])
	cn, err := lz4.CompressBlock(plain, dst[hn:], nil)
	if err != nil || cn == 0 || cn >= len(plain) {
		// Incompressible; keep the plain form.
		return append([]byte{0}, plain...)
	}
	return dst[:hn+cn]
}

// UnmarshalPositions decodes a position list.
func UnmarshalPositions(data []byte) ([]uint32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty position list", ErrCorrupt)
	}
	body := data[1:]
	switch data[0] {
	case 0:
	case 1:
		rawLen, n, err := varint.Int.Unmarshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		decoded := make([]byte, rawLen)
		if _, err := lz4.UncompressBlock(body[n:], decoded); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("%w: unknown position encoding %d", ErrCorrupt, data[0])
	}

	count, n, err := varint.Int.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	positions := make([]uint32, count)
	prev := uint32(0)
	for i := range positions {
		delta, dn, err := varint.Uint32.Unmarshal(body[n:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		n += dn
		prev += delta
		positions[i] = prev
	}
	return positions, nil
}

// MarshalGeoPoint encodes a coordinate pair.
func MarshalGeoPoint(p model.GeoPoint) []byte {
	buf := make([]byte, raw.Float64.Size(p.Lat)+raw.Float64.Size(p.Lon))
	n := raw.Float64.Marshal(p.Lat, buf)
	raw.Float64.Marshal(p.Lon, buf[n:])
	return buf
}

// UnmarshalGeoPoint decodes a coordinate pair.
func UnmarshalGeoPoint(data []byte) (model.GeoPoint, error) {
	lat, n, err := raw.Float64.Unmarshal(data)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	lon, _, err := raw.Float64.Unmarshal(data[n:])
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return model.GeoPoint{Lat: lat, Lon: lon}, nil
}

// MarshalVector encodes an embedding vector.
func MarshalVector(vec []float32) []byte {
	buf := make([]byte, float32Slice.Size(vec))
	float32Slice.Marshal(vec, buf)
	return buf
}

// UnmarshalVector decodes an embedding vector.
func UnmarshalVector(data []byte) ([]float32, error) {
	vec, _, err := float32Slice.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return vec, nil
}

// MarshalDocID encodes a document id.
func MarshalDocID(id model.DocID) []byte {
	buf := make([]byte, varint.Uint32.Size(uint32(id)))
	varint.Uint32.Marshal(uint32(id), buf)
	return buf
}

// UnmarshalDocID decodes a document id.
func UnmarshalDocID(data []byte) (model.DocID, error) {
	v, _, err := varint.Uint32.Unmarshal(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return model.DocID(v), nil
}
