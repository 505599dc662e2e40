package codec

import (
	"fmt"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"

	"github.com/quarrydb/quarry/model"
)

// The stored flattened document lets a delta pass un-index exactly what an
// earlier generation indexed for a document, without re-reading the source.

func valueSize(v model.Value) int {
	size := 1
	switch v.Kind {
	case model.KindNumber:
		size += raw.Float64.Size(v.Num)
	case model.KindString:
		size += ord.String.Size(v.Str)
	case model.KindBool:
		size += ord.Bool.Size(v.Bool)
	}
	return size
}

func marshalValue(v model.Value, buf []byte) int {
	buf[0] = byte(v.Kind)
	n := 1
	switch v.Kind {
	case model.KindNumber:
		n += raw.Float64.Marshal(v.Num, buf[n:])
	case model.KindString:
		n += ord.String.Marshal(v.Str, buf[n:])
	case model.KindBool:
		n += ord.Bool.Marshal(v.Bool, buf[n:])
	}
	return n
}

func unmarshalValue(data []byte) (model.Value, int, error) {
	if len(data) == 0 {
		return model.Value{}, 0, fmt.Errorf("%w: empty value", ErrCorrupt)
	}
	n := 1
	switch model.ValueKind(data[0]) {
	case model.KindNumber:
		num, vn, err := raw.Float64.Unmarshal(data[n:])
		if err != nil {
			return model.Value{}, 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return model.Number(num), n + vn, nil
	case model.KindString:
		str, vn, err := ord.String.Unmarshal(data[n:])
		if err != nil {
			return model.Value{}, 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return model.String(str), n + vn, nil
	case model.KindBool:
		b, vn, err := ord.Bool.Unmarshal(data[n:])
		if err != nil {
			return model.Value{}, 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return model.Boolean(b), n + vn, nil
	default:
		return model.Value{}, 0, fmt.Errorf("%w: unknown value kind %d", ErrCorrupt, data[0])
	}
}

// MarshalFlat encodes a flattened document, paths in sorted order.
func MarshalFlat(paths []string, flat map[string][]model.Value) []byte {
	size := varint.Int.Size(len(paths))
	for _, p := range paths {
		size += ord.String.Size(p)
		size += varint.Int.Size(len(flat[p]))
		for _, v := range flat[p] {
			size += valueSize(v)
		}
	}
	buf := make([]byte, size)
	n := varint.Int.Marshal(len(paths), buf)
	for _, p := range paths {
		n += ord.String.Marshal(p, buf[n:])
		n += varint.Int.Marshal(len(flat[p]), buf[n:])
		for _, v := range flat[p] {
			n += marshalValue(v, buf[n:])
		}
	}
	return buf
}

// UnmarshalFlat decodes a flattened document.
func UnmarshalFlat(data []byte) (map[string][]model.Value, error) {
	count, n, err := varint.Int.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	flat := make(map[string][]model.Value, count)
	for i := 0; i < count; i++ {
		path, pn, err := ord.String.Unmarshal(data[n:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		n += pn
		vcount, vn, err := varint.Int.Unmarshal(data[n:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		n += vn
		values := make([]model.Value, vcount)
		for j := range values {
			v, wn, err := unmarshalValue(data[n:])
			if err != nil {
				return nil, err
			}
			n += wn
			values[j] = v
		}
		flat[path] = values
	}
	return flat, nil
}
