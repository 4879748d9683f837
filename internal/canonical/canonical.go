// Package canonical produces deterministic JSON for hashing and signing.
//
// The canonical form sorts object keys lexicographically at every nesting
// level, emits no insignificant whitespace, and renders big integers as
// decimal strings. Equal values always produce byte-equal output, which is
// what makes attestation hashes reproducible across processes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 of the canonical JSON of v.
func Hash(v interface{}) ([32]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HexHash returns the lowercase hex SHA-256 of the canonical JSON of v.
func HexHash(v interface{}) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeJSON(buf, val)
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case *big.Int:
		// Decimal string, quoted, so values above 2^53 survive every
		// JSON parser on the other side.
		return writeJSON(buf, val.String())
	case big.Int:
		return writeJSON(buf, val.String())
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return writeJSON(buf, val)
	case json.RawMessage:
		return writeRaw(buf, val)
	case []byte:
		return writeJSON(buf, val)
	case map[string]interface{}:
		return writeObject(buf, val)
	case []interface{}:
		return writeArray(buf, val)
	default:
		// Structs, typed maps, typed slices: round-trip through
		// encoding/json with number preservation, then canonicalize.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		return writeRaw(buf, raw)
	}
}

func writeRaw(buf *bytes.Buffer, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	return writeValue(buf, generic)
}

func writeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	buf.Write(data)
	return nil
}
