package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mus-format/mus-go/varint"

	"github.com/quarrydb/quarry/model"
)

// Manifest is the tiny record published atomically with every generation.
type Manifest struct {
	// Generation is the currently published snapshot version. Zero means the
	// store has never published.
	Generation model.Generation

	// NextDocID is the first unassigned DocID. IDs are dense and never
	// reused within a generation.
	NextDocID model.DocID

	// LiveDocs counts non-tombstoned documents.
	LiveDocs uint64
}

func (m Manifest) marshal() []byte {
	buf := make([]byte,
		varint.Uint64.Size(uint64(m.Generation))+
			varint.Uint32.Size(uint32(m.NextDocID))+
			varint.Uint64.Size(m.LiveDocs))
	n := varint.Uint64.Marshal(uint64(m.Generation), buf)
	n += varint.Uint32.Marshal(uint32(m.NextDocID), buf[n:])
	varint.Uint64.Marshal(m.LiveDocs, buf[n:])
	return buf
}

// DecodeManifest decodes a serialized manifest, as found in backup
// archives.
func DecodeManifest(data []byte) (Manifest, error) {
	return unmarshalManifest(data)
}

func unmarshalManifest(data []byte) (Manifest, error) {
	gen, n, err := varint.Uint64.Unmarshal(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("storage: corrupt manifest: %w", err)
	}
	next, nn, err := varint.Uint32.Unmarshal(data[n:])
	if err != nil {
		return Manifest{}, fmt.Errorf("storage: corrupt manifest: %w", err)
	}
	n += nn
	live, _, err := varint.Uint64.Unmarshal(data[n:])
	if err != nil {
		return Manifest{}, fmt.Errorf("storage: corrupt manifest: %w", err)
	}
	return Manifest{
		Generation: model.Generation(gen),
		NextDocID:  model.DocID(next),
		LiveDocs:   live,
	}, nil
}

// DecodeOrderedValue is the inverse of OrderedValue.
func DecodeOrderedValue(data []byte) (model.Value, error) {
	if len(data) == 0 {
		return model.Value{}, fmt.Errorf("storage: empty facet value")
	}
	switch model.ValueKind(data[0]) {
	case model.KindNumber:
		if len(data) != 9 {
			return model.Value{}, fmt.Errorf("storage: corrupt numeric facet value")
		}
		bits := binary.BigEndian.Uint64(data[1:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return model.Number(math.Float64frombits(bits)), nil
	case model.KindString:
		return model.String(string(data[1:])), nil
	case model.KindBool:
		if len(data) != 2 {
			return model.Value{}, fmt.Errorf("storage: corrupt boolean facet value")
		}
		return model.Boolean(data[1] == 1), nil
	default:
		return model.Value{}, fmt.Errorf("storage: unknown facet value kind %d", data[0])
	}
}
