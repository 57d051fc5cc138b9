// Package hash provides deterministic fingerprinting of arbitrary values.
//
// Values are rendered to a canonical JSON-like form with recursively sorted
// object keys, so two semantically equal values always produce identical
// bytes regardless of map iteration order. The canonical bytes feed a
// SHA-256 digest used for cache keys and replay fingerprints.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
)

// WriteStable writes a canonical JSON-like representation of v into b.
// Objects (map[string]any) have keys sorted recursively to ensure stability.
// Arrays preserve order. Primitive values are marshaled using encoding/json.
func WriteStable(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		writeMapStringAny(b, t)
	case []any:
		writeSliceAny(b, t)
	case string:
		bs, err := json.Marshal(t)
		if err == nil {
			b.Write(bs)
		} else {
			b.WriteString("\"")
			b.WriteString(t)
			b.WriteString("\"")
		}
	case float64, bool, nil:
		bs, err := json.Marshal(t)
		if err == nil {
			b.Write(bs)
		} else {
			b.WriteString("null")
		}
	default:
		rv := reflect.ValueOf(v)
		if !rv.IsValid() {
			b.WriteString("null")
			return
		}
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			writeReflectedMap(b, rv)
			return
		}
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			writeReflectedSlice(b, rv)
			return
		}
		bs, err := json.Marshal(t)
		if err == nil {
			b.Write(bs)
		} else {
			b.WriteString("null")
		}
	}
}

func writeMapStringAny(b *bytes.Buffer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err == nil {
			b.Write(kb)
		} else {
			b.WriteString("\"")
			b.WriteString(k)
			b.WriteString("\"")
		}
		b.WriteByte(':')
		WriteStable(b, m[k])
	}
	b.WriteByte('}')
}

func writeSliceAny(b *bytes.Buffer, s []any) {
	b.WriteByte('[')
	for i, e := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		WriteStable(b, e)
	}
	b.WriteByte(']')
}

func writeReflectedMap(b *bytes.Buffer, rv reflect.Value) {
	keys := rv.MapKeys()
	sk := make([]string, 0, len(keys))
	for i := range keys {
		sk = append(sk, keys[i].String())
	}
	sort.Strings(sk)
	b.WriteByte('{')
	for i, k := range sk {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err == nil {
			b.Write(kb)
		} else {
			b.WriteString("\"")
			b.WriteString(k)
			b.WriteString("\"")
		}
		b.WriteByte(':')
		WriteStable(b, rv.MapIndex(reflect.ValueOf(k)).Interface())
	}
	b.WriteByte('}')
}

func writeReflectedSlice(b *bytes.Buffer, rv reflect.Value) {
	b.WriteByte('[')
	n := rv.Len()
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		WriteStable(b, rv.Index(i).Interface())
	}
	b.WriteByte(']')
}

// StableBytes returns the canonical JSON-like bytes for v using WriteStable.
func StableBytes(v any) []byte {
	var b bytes.Buffer
	WriteStable(&b, v)
	return b.Bytes()
}

// Sum returns a deterministic SHA-256 hex digest of the canonical JSON-like
// form of v. Equal values always hash to the same digest, making it safe to
// use as a content-addressed cache key component.
func Sum(v any) string {
	sum := sha256.Sum256(StableBytes(v))
	return hex.EncodeToString(sum[:])
}
