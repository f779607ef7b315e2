package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"plain string", "hello", `"hello"`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"go int", 7, "7"},
		{"bool", IRBool(true), "true"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"nested", IRObject{"z": IRObject{"b": IRInt(1), "a": IRInt(2)}, "a": IRInt(3)}, `{"a":3,"z":{"a":2,"b":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts before 0xE000.
	obj := IRObject{
		"\uE000": IRInt(1),
		"𐀀":      IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"𐀀":2,"` + "\uE000" + `":1}`, string(result))
}

func TestMarshalCanonicalEscaping(t *testing.T) {
	result, err := MarshalCanonical(IRString("a\"b\\c\n<\u0001>\u2028"))
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\\c\n<\u0001>` + "\u2028" + `"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed, err := MarshalCanonical(IRString("e\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(IRString("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"float", 1.5},
		{"nil", nil},
		{"ir null", IRNull{}},
		{"null inside object", IRObject{"a": IRNull{}}},
		{"unsupported", struct{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMarshalCanonicalMapAny(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	result, err := MarshalCanonical(map[string]any{
		"at":   ts,
		"tags": []string{"x"},
		"n":    int64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"at":"2026-03-01T11:00:00.000000000Z","n":3,"tags":["x"]}`, string(result))
}

func TestParseObject(t *testing.T) {
	obj, err := ParseObject([]byte(`{"a":1,"b":[true,"x"],"c":{"d":-2}}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"a": IRInt(1),
		"b": IRArray{IRBool(true), IRString("x")},
		"c": IRObject{"d": IRInt(-2)},
	}, obj)

	empty, err := ParseObject(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseObject([]byte(`{"a":1.5}`))
	assert.Error(t, err)
	_, err = ParseObject([]byte(`{"a":null}`))
	assert.Error(t, err)
	_, err = ParseObject([]byte(`[1]`))
	assert.Error(t, err)
}

func TestIRObjectJSONRoundTripKeepsNull(t *testing.T) {
	var obj IRObject
	require.NoError(t, obj.UnmarshalJSON([]byte(`{"b":null,"a":"x"}`)))
	out, err := obj.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":null}`, string(out))
}

func TestIRObjectCloneIsDeep(t *testing.T) {
	orig := IRObject{"inner": IRObject{"k": IRString("v")}, "list": IRArray{IRInt(1)}}
	cp := orig.Clone()
	cp["inner"].(IRObject)["k"] = IRString("changed")
	cp["list"].(IRArray)[0] = IRInt(9)

	assert.Equal(t, IRString("v"), orig["inner"].(IRObject)["k"])
	assert.Equal(t, IRInt(1), orig["list"].(IRArray)[0])
}

func TestFormatParseTime(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	parsed, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
