package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

type FieldTypeValue byte

const (
	FieldTypeValueNil        FieldTypeValue = 0x00
	FieldTypeValueFloat      FieldTypeValue = 0x01
	FieldTypeValueInt        FieldTypeValue = 0x02
	FieldTypeValueString     FieldTypeValue = 0x03
	FieldTypeValueBool       FieldTypeValue = 0x04
	FieldTypeValueStringList FieldTypeValue = 0x05
)

// FieldValues is the typed field map of a record or mutation payload.
type FieldValues map[string]FieldValue

// FieldValue holds a typed value. The data field holds the actual Go type
// (float64, int64, string, bool, []string).
type FieldValue struct {
	valueType FieldTypeValue
	data      any
}

// NewFieldValue creates a new FieldValue from the provided data. Narrower
// numeric types are promoted (float32 to float64, int to int64).
func NewFieldValue(data any) (FieldValue, error) {
	var fv FieldValue

	switch v := data.(type) {
	case float64:
		fv.valueType = FieldTypeValueFloat
		fv.data = v
	case float32:
		fv.valueType = FieldTypeValueFloat
		fv.data = float64(v)
	case int:
		fv.valueType = FieldTypeValueInt
		fv.data = int64(v)
	case int64:
		fv.valueType = FieldTypeValueInt
		fv.data = v
	case string:
		fv.valueType = FieldTypeValueString
		fv.data = v
	case bool:
		fv.valueType = FieldTypeValueBool
		fv.data = v
	case []string:
		fv.valueType = FieldTypeValueStringList
		fv.data = append([]string(nil), v...)
	case []interface{}:
		// JSON arrays decode as []interface{}; accept them when every
		// element is a string.
		list := make([]string, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return FieldValue{}, &UnsupportedTypeError{Message: fmt.Sprintf("list element type %T", elem)}
			}
			list = append(list, s)
		}
		fv.valueType = FieldTypeValueStringList
		fv.data = list
	case nil:
		return FieldValue{valueType: FieldTypeValueNil}, nil
	default:
		return FieldValue{}, &UnsupportedTypeError{Message: fmt.Sprintf("unsupported value type: %T", data)}
	}
	return fv, nil
}

// MarshalJSON implements the json.Marshaler interface for FieldValue.
func (fv FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(fv.data)
}

// UnmarshalJSON implements the json.Unmarshaler interface for FieldValue.
// JSON numbers decode as floats.
func (fv *FieldValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewFieldValue(raw)
	if err != nil {
		return err
	}
	*fv = parsed
	return nil
}

// ValueString returns the value as a string, if it is of that type.
func (fv FieldValue) ValueString() (string, bool) {
	val, ok := fv.data.(string)
	return val, ok
}

func (fv FieldValue) ValueFloat64() (float64, bool) {
	val, ok := fv.data.(float64)
	return val, ok
}

func (fv FieldValue) ValueInt64() (int64, bool) {
	val, ok := fv.data.(int64)
	return val, ok
}

func (fv FieldValue) ValueBool() (bool, bool) {
	val, ok := fv.data.(bool)
	return val, ok
}

func (fv FieldValue) ValueStringList() ([]string, bool) {
	val, ok := fv.data.([]string)
	if !ok {
		return nil, false
	}
	return append([]string(nil), val...), true
}

func (fv FieldValue) IsNull() bool {
	return fv.valueType == FieldTypeValueNil
}

// Equal reports whether two values have the same type and data.
func (fv FieldValue) Equal(other FieldValue) bool {
	if fv.valueType != other.valueType {
		return false
	}
	if fv.valueType == FieldTypeValueStringList {
		a := fv.data.([]string)
		b := other.data.([]string)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	return fv.data == other.data
}

// Clone returns a copy of the value. List data is copied, scalars are
// immutable.
func (fv FieldValue) Clone() FieldValue {
	if fv.valueType == FieldTypeValueStringList {
		return FieldValue{valueType: fv.valueType, data: append([]string(nil), fv.data.([]string)...)}
	}
	return fv
}

// Clone returns a deep copy of the field map.
func (fv FieldValues) Clone() FieldValues {
	if fv == nil {
		return nil
	}
	out := make(FieldValues, len(fv))
	for k, v := range fv {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether both maps hold the same keys with equal values.
func (fv FieldValues) Equal(other FieldValues) bool {
	if len(fv) != len(other) {
		return false
	}
	for k, v := range fv {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Merge returns a copy of fv with patch applied: patch entries overwrite
// existing keys, and a null patch value removes its key.
func (fv FieldValues) Merge(patch FieldValues) FieldValues {
	out := fv.Clone()
	if out == nil {
		out = make(FieldValues, len(patch))
	}
	for k, v := range patch {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v.Clone()
	}
	return out
}

// ToMap converts FieldValues to a standard map[string]interface{}.
func (fv FieldValues) ToMap() map[string]interface{} {
	m := make(map[string]interface{}, len(fv))
	for k, v := range fv {
		m[k] = v.data
	}
	return m
}

// MarshalJSON implements the json.Marshaler interface for FieldValues.
func (fv FieldValues) MarshalJSON() ([]byte, error) {
	return json.Marshal(fv.ToMap())
}

// UnmarshalJSON implements the json.Unmarshaler interface for FieldValues.
func (fv *FieldValues) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewFieldValuesFromMap(raw)
	if err != nil {
		return err
	}
	*fv = parsed
	return nil
}

// Encode serializes the field map into a byte slice, preserving each value's
// type tag. The JSON form cannot round-trip losslessly (JSON numbers decode
// as floats), so anything that stores and later restores a payload must use
// this encoding.
func (fv FieldValues) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(fv))); err != nil {
		return nil, fmt.Errorf("failed to write field count: %w", err)
	}

	for k, v := range fv {
		keyBytes := []byte(k)
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(keyBytes))); err != nil {
			return nil, fmt.Errorf("failed to write key length for '%s': %w", k, err)
		}
		if _, err := buf.Write(keyBytes); err != nil {
			return nil, fmt.Errorf("failed to write key bytes for '%s': %w", k, err)
		}
		valueBytes, err := encodeValue(v.valueType, v.data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value for key '%s': %w", k, err)
		}

		buf.WriteByte(byte(v.valueType))
		if _, err := buf.Write(valueBytes); err != nil {
			return nil, fmt.Errorf("failed to write value bytes for '%s': %w", k, err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeFields deserializes a byte stream from a reader into a FieldValues map.
func DecodeFields(r io.Reader) (FieldValues, error) {
	var numPairs uint16
	if err := binary.Read(r, binary.BigEndian, &numPairs); err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}

	fields := make(FieldValues, numPairs)

	for i := 0; i < int(numPairs); i++ {
		var keyLen uint16
		if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
			return nil, fmt.Errorf("failed to read key length for pair %d: %w", i, err)
		}
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, fmt.Errorf("failed to read key bytes for pair %d: %w", i, err)
		}
		key := string(keyBytes)

		var valueTypeByte byte
		if err := binary.Read(r, binary.BigEndian, &valueTypeByte); err != nil {
			return nil, fmt.Errorf("failed to read value type for key '%s': %w", key, err)
		}
		valueType := FieldTypeValue(valueTypeByte)

		val, err := decodeValue(valueType, r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode value for key '%s': %w", key, err)
		}

		fv, err := NewFieldValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to create field value for key '%s': %w", key, err)
		}
		fields[key] = fv
	}

	return fields, nil
}

// DecodeFieldsFromBytes is a helper function to decode from a byte slice.
func DecodeFieldsFromBytes(data []byte) (FieldValues, error) {
	buf := bytes.NewBuffer(data)
	return DecodeFields(buf)
}

// encodeValue serializes a typed value into its byte representation.
func encodeValue(t FieldTypeValue, data any) ([]byte, error) {
	switch t {
	case FieldTypeValueFloat:
		v := data.(float64)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v))
		return buf, nil
	case FieldTypeValueInt:
		v := data.(int64)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v))
		return buf, nil
	case FieldTypeValueString:
		vStr := data.(string)
		buf := make([]byte, 4+len(vStr))
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(vStr)))
		copy(buf[4:], vStr)
		return buf, nil
	case FieldTypeValueBool:
		v := data.(bool)
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FieldTypeValueStringList:
		list := data.([]string)
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(list))); err != nil {
			return nil, err
		}
		for _, s := range list {
			if err := binary.Write(&buf, binary.BigEndian, uint32(len(s))); err != nil {
				return nil, err
			}
			buf.WriteString(s)
		}
		return buf.Bytes(), nil
	default: // This handles FieldTypeValueNil
		return nil, nil
	}
}

// decodeValue deserializes a byte stream back into its Go type.
func decodeValue(t FieldTypeValue, r io.Reader) (any, error) {
	switch t {
	case FieldTypeValueFloat:
		var f float64
		if err := binary.Read(r, binary.BigEndian, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FieldTypeValueInt:
		var i int64
		if err := binary.Read(r, binary.BigEndian, &i); err != nil {
			return nil, err
		}
		return i, nil
	case FieldTypeValueString:
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		strBytes := make([]byte, length)
		if _, err := io.ReadFull(r, strBytes); err != nil {
			return nil, err
		}
		return string(strBytes), nil
	case FieldTypeValueBool:
		var b byte
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return nil, err
		}
		return b == 1, nil
	case FieldTypeValueStringList:
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, err
		}
		list := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			var length uint32
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, err
			}
			strBytes := make([]byte, length)
			if _, err := io.ReadFull(r, strBytes); err != nil {
				return nil, err
			}
			list = append(list, string(strBytes))
		}
		return list, nil
	case FieldTypeValueNil:
		return nil, nil
	default:
		return nil, &UnsupportedTypeError{Message: fmt.Sprintf("unknown value type tag 0x%02x", byte(t))}
	}
}

// NewFieldValuesFromMap is a helper to create FieldValues from a standard map.
func NewFieldValuesFromMap(data map[string]interface{}) (FieldValues, error) {
	if data == nil {
		return nil, nil
	}
	fv := make(FieldValues, len(data))
	for k, v := range data {
		value, err := NewFieldValue(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value for field '%s': %w", k, err)
		}
		fv[k] = value
	}
	return fv, nil
}
