package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustNewFieldValue creates a FieldValue and panics on error, simplifying
// test setup.
func mustNewFieldValue(data any) FieldValue {
	fv, err := NewFieldValue(data)
	if err != nil {
		panic(err)
	}
	return fv
}

func TestNewFieldValue_Promotion(t *testing.T) {
	intVal := mustNewFieldValue(42)
	got, ok := intVal.ValueInt64()
	require.True(t, ok, "int should be stored as int64")
	assert.Equal(t, int64(42), got)

	floatVal := mustNewFieldValue(float32(2.5))
	gotF, ok := floatVal.ValueFloat64()
	require.True(t, ok, "float32 should be promoted to float64")
	assert.Equal(t, 2.5, gotF)
}

func TestNewFieldValue_Unsupported(t *testing.T) {
	_, err := NewFieldValue(struct{}{})
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err), "error should be an UnsupportedTypeError")

	_, err = NewFieldValue([]interface{}{"ok", 3})
	require.Error(t, err, "mixed-type lists are not supported")
	assert.True(t, IsUnsupportedError(err))
}

func TestFieldValues_CloneIsDeep(t *testing.T) {
	original := FieldValues{
		"name": mustNewFieldValue("Robotics Club"),
		"tags": mustNewFieldValue([]string{"stem", "weekly"}),
	}

	cloned := original.Clone()
	require.True(t, original.Equal(cloned), "clone should compare equal to the original")

	// Mutating the clone's list must not leak into the original.
	list, ok := cloned["tags"].ValueStringList()
	require.True(t, ok)
	list[0] = "changed"
	cloned["tags"] = mustNewFieldValue(list)

	origList, ok := original["tags"].ValueStringList()
	require.True(t, ok)
	assert.Equal(t, []string{"stem", "weekly"}, origList, "original list should be unchanged")
}

func TestFieldValues_Equal(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  FieldValues
		equal bool
	}{
		{
			name:  "identical maps",
			a:     FieldValues{"n": mustNewFieldValue(int64(1)), "s": mustNewFieldValue("x")},
			b:     FieldValues{"n": mustNewFieldValue(int64(1)), "s": mustNewFieldValue("x")},
			equal: true,
		},
		{
			name:  "different value",
			a:     FieldValues{"n": mustNewFieldValue(int64(1))},
			b:     FieldValues{"n": mustNewFieldValue(int64(2))},
			equal: false,
		},
		{
			name:  "different type same representation",
			a:     FieldValues{"n": mustNewFieldValue(int64(1))},
			b:     FieldValues{"n": mustNewFieldValue(float64(1))},
			equal: false,
		},
		{
			name:  "missing key",
			a:     FieldValues{"n": mustNewFieldValue(int64(1)), "extra": mustNewFieldValue(true)},
			b:     FieldValues{"n": mustNewFieldValue(int64(1))},
			equal: false,
		},
		{
			name:  "equal string lists",
			a:     FieldValues{"tags": mustNewFieldValue([]string{"a", "b"})},
			b:     FieldValues{"tags": mustNewFieldValue([]string{"a", "b"})},
			equal: true,
		},
		{
			name:  "reordered string lists",
			a:     FieldValues{"tags": mustNewFieldValue([]string{"a", "b"})},
			b:     FieldValues{"tags": mustNewFieldValue([]string{"b", "a"})},
			equal: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.equal, tc.a.Equal(tc.b))
			assert.Equal(t, tc.equal, tc.b.Equal(tc.a), "Equal should be symmetric")
		})
	}
}

func TestFieldValues_Merge(t *testing.T) {
	base := FieldValues{
		"name":   mustNewFieldValue("Chess Club"),
		"size":   mustNewFieldValue(int64(12)),
		"closed": mustNewFieldValue(false),
	}

	patch := FieldValues{
		"size":   mustNewFieldValue(int64(13)),
		"closed": mustNewFieldValue(nil), // null removes the key
		"room":   mustNewFieldValue("B204"),
	}

	merged := base.Merge(patch)

	size, ok := merged["size"].ValueInt64()
	require.True(t, ok)
	assert.Equal(t, int64(13), size, "patch should overwrite existing keys")

	_, exists := merged["closed"]
	assert.False(t, exists, "null patch value should remove the key")

	room, ok := merged["room"].ValueString()
	require.True(t, ok)
	assert.Equal(t, "B204", room, "patch should add new keys")

	// The base map must be untouched.
	origSize, _ := base["size"].ValueInt64()
	assert.Equal(t, int64(12), origSize, "Merge should not mutate the receiver")
	_, exists = base["closed"]
	assert.True(t, exists)
}

func TestFieldValues_JSONRoundTrip(t *testing.T) {
	original := FieldValues{
		"name":   mustNewFieldValue("Drama Society"),
		"rating": mustNewFieldValue(4.5),
		"open":   mustNewFieldValue(true),
		"tags":   mustNewFieldValue([]string{"arts", "evening"}),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err, "Marshal should not produce an error")

	var decoded FieldValues
	require.NoError(t, json.Unmarshal(data, &decoded), "Unmarshal should not produce an error")

	require.Equal(t, len(original), len(decoded), "number of fields should match")
	assert.True(t, original["name"].Equal(decoded["name"]))
	assert.True(t, original["rating"].Equal(decoded["rating"]))
	assert.True(t, original["open"].Equal(decoded["open"]))
	assert.True(t, original["tags"].Equal(decoded["tags"]))
}

func TestFieldValues_BinaryRoundTripPreservesTypes(t *testing.T) {
	original := FieldValues{
		"name":    mustNewFieldValue("Drama Society"),
		"rating":  mustNewFieldValue(4.5),
		"members": mustNewFieldValue(int64(1) << 60),
		"open":    mustNewFieldValue(true),
		"tags":    mustNewFieldValue([]string{"arts", "evening"}),
		"note":    mustNewFieldValue(nil),
	}

	data, err := original.Encode()
	require.NoError(t, err)

	decoded, err := DecodeFieldsFromBytes(data)
	require.NoError(t, err)

	assert.True(t, original.Equal(decoded), "the binary codec must round-trip every type tag")

	// The JSON form cannot make this guarantee: numbers come back as floats.
	members, ok := decoded["members"].ValueInt64()
	require.True(t, ok, "an int must decode as an int")
	assert.Equal(t, int64(1)<<60, members)
}

func TestDecodeFields_RejectsUnknownTypeTag(t *testing.T) {
	fv := FieldValues{"name": mustNewFieldValue("x")}
	data, err := fv.Encode()
	require.NoError(t, err)

	// Corrupt the type tag byte: count(2) + keyLen(2) + key("name").
	data[2+2+4] = 0x7f
	_, err = DecodeFieldsFromBytes(data)
	assert.Error(t, err)
}
