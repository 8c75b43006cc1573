package modbus

import (
	"fmt"
	"math"
)

// ValueKind declares how raw register words compose into a scalar value.
type ValueKind string

const (
	ValueU16     ValueKind = "u16"
	ValueS16     ValueKind = "s16"
	ValueU32     ValueKind = "u32"
	ValueS32     ValueKind = "s32"
	ValueFloat32 ValueKind = "f32"
	ValueBool    ValueKind = "bool"
)

// Words returns how many 16-bit registers the kind occupies.
func (k ValueKind) Words() int {
	switch k {
	case ValueU32, ValueS32, ValueFloat32:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the kind is one of the supported encodings.
func (k ValueKind) Valid() bool {
	switch k {
	case ValueU16, ValueS16, ValueU32, ValueS32, ValueFloat32, ValueBool:
		return true
	}
	return false
}

// DecodeValue composes raw register words into a scalar according to the
// declared kind. Multi-word values are big-endian with the high word first.
func DecodeValue(kind ValueKind, words []uint16) (float64, error) {
	if len(words) < kind.Words() {
		return 0, fmt.Errorf("value kind %s needs %d words, got %d", kind, kind.Words(), len(words))
	}

	switch kind {
	case ValueU16:
		return float64(words[0]), nil
	case ValueS16:
		return float64(int16(words[0])), nil
	case ValueU32:
		return float64(uint32(words[0])<<16 | uint32(words[1])), nil
	case ValueS32:
		return float64(int32(uint32(words[0])<<16 | uint32(words[1]))), nil
	case ValueFloat32:
		bits := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(bits)), nil
	case ValueBool:
		if words[0] != 0 {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown value kind: %s", kind)
	}
}

// EncodeValue is the inverse of DecodeValue: it splits a scalar into raw
// register words. Used by write paths and by round-trip tests.
func EncodeValue(kind ValueKind, value float64) ([]uint16, error) {
	switch kind {
	case ValueU16:
		if value < 0 || value > math.MaxUint16 {
			return nil, fmt.Errorf("value %v out of range for %s", value, kind)
		}
		return []uint16{uint16(value)}, nil
	case ValueS16:
		if value < math.MinInt16 || value > math.MaxInt16 {
			return nil, fmt.Errorf("value %v out of range for %s", value, kind)
		}
		return []uint16{uint16(int16(value))}, nil
	case ValueU32:
		if value < 0 || value > math.MaxUint32 {
			return nil, fmt.Errorf("value %v out of range for %s", value, kind)
		}
		v := uint32(value)
		return []uint16{uint16(v >> 16), uint16(v & 0xFFFF)}, nil
	case ValueS32:
		if value < math.MinInt32 || value > math.MaxInt32 {
			return nil, fmt.Errorf("value %v out of range for %s", value, kind)
		}
		v := uint32(int32(value))
		return []uint16{uint16(v >> 16), uint16(v & 0xFFFF)}, nil
	case ValueFloat32:
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}, nil
	case ValueBool:
		if value != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	default:
		return nil, fmt.Errorf("unknown value kind: %s", kind)
	}
}
