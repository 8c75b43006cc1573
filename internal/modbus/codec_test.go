package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name     string
		kind     ValueKind
		words    []uint16
		expected float64
	}{
		{"u16 zero", ValueU16, []uint16{0}, 0},
		{"u16 max", ValueU16, []uint16{0xFFFF}, 65535},
		{"s16 negative one", ValueS16, []uint16{0xFFFF}, -1},
		{"s16 min", ValueS16, []uint16{0x8000}, -32768},
		{"s16 max", ValueS16, []uint16{0x7FFF}, 32767},
		{"u32 zero", ValueU32, []uint16{0, 0}, 0},
		{"u32 max", ValueU32, []uint16{0xFFFF, 0xFFFF}, 4294967295},
		{"u32 high word first", ValueU32, []uint16{0x0001, 0x0000}, 65536},
		{"s32 negative one", ValueS32, []uint16{0xFFFF, 0xFFFF}, -1},
		{"s32 min", ValueS32, []uint16{0x8000, 0x0000}, -2147483648},
		{"f32 one point five", ValueFloat32, []uint16{0x3FC0, 0x0000}, 1.5},
		{"f32 negative two", ValueFloat32, []uint16{0xC000, 0x0000}, -2},
		{"bool off", ValueBool, []uint16{0}, 0},
		{"bool on", ValueBool, []uint16{1}, 1},
		{"bool nonzero", ValueBool, []uint16{0xABCD}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := DecodeValue(tt.kind, tt.words)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestDecodeValueShortSlice(t *testing.T) {
	_, err := DecodeValue(ValueU32, []uint16{0x1234})
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		kind  ValueKind
		value float64
	}{
		{ValueU16, 0},
		{ValueU16, 65535},
		{ValueU16, 12345},
		{ValueS16, -32768},
		{ValueS16, 32767},
		{ValueS16, -1},
		{ValueU32, 0},
		{ValueU32, 4294967295},
		{ValueU32, 65536},
		{ValueS32, -2147483648},
		{ValueS32, 2147483647},
		{ValueS32, -1},
		{ValueFloat32, 1.5},
		{ValueFloat32, -273.25},
		{ValueFloat32, 0},
		{ValueBool, 0},
		{ValueBool, 1},
	}

	for _, tt := range tests {
		words, err := EncodeValue(tt.kind, tt.value)
		require.NoError(t, err, "encode %s %v", tt.kind, tt.value)
		require.Len(t, words, tt.kind.Words())

		value, err := DecodeValue(tt.kind, words)
		require.NoError(t, err, "decode %s %v", tt.kind, tt.value)
		assert.Equal(t, tt.value, value, "%s %v", tt.kind, tt.value)
	}
}

func TestEncodeValueRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		kind  ValueKind
		value float64
	}{
		{ValueU16, -1},
		{ValueU16, 65536},
		{ValueS16, 32768},
		{ValueS16, -32769},
		{ValueU32, -1},
		{ValueU32, 4294967296},
		{ValueS32, 2147483648},
	}

	for _, tt := range tests {
		_, err := EncodeValue(tt.kind, tt.value)
		assert.Error(t, err, "%s %v", tt.kind, tt.value)
	}
}
