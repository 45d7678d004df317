package executor

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDriver(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	id := [16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}

	tests := []struct {
		name   string
		in     any
		dbType string
		want   Value
	}{
		{"nil", nil, "", Null()},
		{"int64", int64(42), "INTEGER", Integer(42)},
		{"int32", int32(-7), "int4", Integer(-7)},
		{"uint64 overflow", uint64(math.MaxUint64), "", Other("18446744073709551615")},
		{"float64", 1.25, "REAL", Float(1.25)},
		{"float32", float32(0.5), "float4", Float(0.5)},
		{"bool", true, "BOOLEAN", Boolean(true)},
		{"string", "hi", "TEXT", Text("hi")},
		{"text bytes", []byte("abc"), "VARCHAR", Text("abc")},
		{"blob bytes", []byte{0, 1}, "BLOB", Binary([]byte{0, 1})},
		{"bytea", []byte{0xff}, "bytea", Binary([]byte{0xff})},
		{"undeclared bytes", []byte{0x00, 0xff}, "", Binary([]byte{0x00, 0xff})},
		{"undeclared ascii bytes", []byte("AB"), "", Binary([]byte("AB"))},
		{"invalid utf8 in text column", []byte{0xff, 0xfe}, "TEXT", Binary([]byte{0xff, 0xfe})},
		{"time", ts, "TIMESTAMP", Other("2024-03-01T12:30:00Z")},
		{"uuid", id, "uuid", Other("123e4567-e89b-12d3-a456-426614174000")},
		{"json", map[string]any{"a": float64(1)}, "jsonb", Other(`{"a":1}`)},
		{"numeric int", pgtype.Numeric{Int: big.NewInt(12), Valid: true}, "numeric", Integer(12)},
		{"numeric null", pgtype.Numeric{}, "numeric", Null()},
		{"numeric nan", pgtype.Numeric{NaN: true, Valid: true}, "numeric", Other("NaN")},
		{"pg text valuer", pgtype.Text{String: "v", Valid: true}, "text", Text("v")},
		{"pg null valuer", pgtype.Int8{}, "int8", Null()},
		{"unknown", struct{ A int }{1}, "", Other("{1}")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromDriver(tt.in, tt.dbType)
			assert.Equal(t, tt.want.Kind(), got.Kind())
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "NULL", Null().String())
	assert.Equal(t, "-3", Integer(-3).String())
	assert.Equal(t, "2.0", Float(2).String())
	assert.Equal(t, "NaN", Float(math.NaN()).String())
	assert.Equal(t, "true", Boolean(true).String())
	assert.Equal(t, `\x0aff`, Binary([]byte{0x0a, 0xff}).String())
	assert.Equal(t, "x", Text("x").String())
}

func TestValueJSON(t *testing.T) {
	tests := []struct {
		in   Value
		json string
		back Value
	}{
		{Null(), `null`, Null()},
		{Integer(7), `7`, Integer(7)},
		{Float(2), `2.0`, Float(2)},
		{Float(1e21), `1e+21`, Float(1e21)},
		{Boolean(false), `false`, Boolean(false)},
		{Text("a\"b"), `"a\"b"`, Text("a\"b")},
		{Binary([]byte("hi")), `"aGk="`, Text("aGk=")},
		{Other("2024-01-01"), `"2024-01-01"`, Text("2024-01-01")},
	}

	for _, tt := range tests {
		b, err := json.Marshal(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.json, string(b))

		var back Value
		require.NoError(t, json.Unmarshal(b, &back))
		assert.True(t, tt.back.Equal(back), "%s decoded as %v", tt.json, back)
	}

	b, err := json.Marshal(Float(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, `"Infinity"`, string(b))
}

func TestBinaryIsCopied(t *testing.T) {
	src := []byte{1, 2, 3}
	v := Binary(src)
	src[0] = 9
	got, ok := v.Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
