package wasm

import (
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
)

// EncodeScalar parses a decimal string into the raw stack representation of
// the given value type.
func EncodeScalar(t ValType, s string) (uint64, error) {
	switch t {
	case I32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%q is not an i32", s)
		}
		return api.EncodeI32(int32(n)), nil
	case I64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%q is not an i64", s)
		}
		return api.EncodeI64(n), nil
	case F32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%q is not an f32", s)
		}
		return api.EncodeF32(float32(f)), nil
	case F64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%q is not an f64", s)
		}
		return api.EncodeF64(f), nil
	}
	return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "unsupported value type %v", t)
}

// DecodeI32 reinterprets a raw result as a signed 32-bit integer.
func DecodeI32(raw uint64) int32 { return api.DecodeI32(raw) }

// DecodeI64 reinterprets a raw result as a signed 64-bit integer.
func DecodeI64(raw uint64) int64 { return int64(raw) }

// DecodeF32 reinterprets a raw result's bits as a 32-bit float.
func DecodeF32(raw uint64) float32 { return api.DecodeF32(raw) }

// DecodeF64 reinterprets a raw result's bits as a 64-bit float.
func DecodeF64(raw uint64) float64 { return api.DecodeF64(raw) }
