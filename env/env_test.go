package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstLookup(t *testing.T) {
	t.Parallel()

	lookup := ConstLookup(RuntimeFixMode, "enable-disable")

	v, ok := lookup(RuntimeFixMode)
	assert.True(t, ok)
	assert.Equal(t, "enable-disable", v)

	_, ok = lookup(UtilityWorldName)
	assert.False(t, ok)
}

func TestEmptyLookup(t *testing.T) {
	t.Parallel()

	v, ok := EmptyLookup(Debug)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestIsDebug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{value: "1", want: true},
		{value: "true", want: true},
		{value: "TRUE", want: true},
		{value: "yes", want: true},
		{value: "0", want: false},
		{value: "false", want: false},
		{value: "no", want: false},
		{value: "", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("value_"+tt.value, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsDebug(ConstLookup(Debug, tt.value)))
		})
	}

	assert.False(t, IsDebug(EmptyLookup))
}
