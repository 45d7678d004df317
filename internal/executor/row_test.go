package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowKeepsColumnOrder(t *testing.T) {
	r := NewRow([]string{"z", "a", "m"}, []Value{Integer(1), Text("x"), Null()})

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"x","m":null}`, string(b))

	var back Row
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, []string{"z", "a", "m"}, back.Columns())
	v, ok := back.Get("a")
	require.True(t, ok)
	assert.True(t, v.Equal(Text("x")))

	_, ok = back.Get("missing")
	assert.False(t, ok)
}

func TestRowRejectsNonObject(t *testing.T) {
	var r Row
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))
}

func TestNewRowLengthMismatchPanics(t *testing.T) {
	assert.Panics(t, func() { NewRow([]string{"a"}, nil) })
}

func TestCollector(t *testing.T) {
	c := NewCollector(2)
	row := NewRow([]string{"a"}, []Value{Integer(1)})

	assert.True(t, c.Accumulate(row))
	assert.False(t, c.Full())
	assert.True(t, c.Accumulate(row))
	assert.True(t, c.Full())
	assert.False(t, c.Accumulate(row))

	rows, truncated := c.Finalize()
	assert.Len(t, rows, 2)
	assert.False(t, truncated)

	c.MarkTruncated()
	_, truncated = c.Finalize()
	assert.True(t, truncated)
}

func TestCollectorEmpty(t *testing.T) {
	rows, truncated := NewCollector(5).Finalize()
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.False(t, truncated)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		script string
		want   []string
	}{
		{"", []string{}},
		{" ; ;\n", []string{}},
		{"SELECT 1", []string{"SELECT 1"}},
		{"  a ;b;; c  ;", []string{"a", "b", "c"}},
		// Separators inside literals still split.
		{"SELECT 'x;y'", []string{"SELECT 'x", "y'"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Split(tt.script), tt.script)
	}
}
