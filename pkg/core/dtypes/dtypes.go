// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types held by tensors in this module.
//
// The numeric values follow the XLA/PJRT buffer type constants used across GoMLX, so that
// dumps and logs stay comparable, but only the types the pipeline model needs are supported:
// Bool (attention masks), Int32 (token ids, labels), Float16 and Float32 (weights, activations).
//
// Half precision uses github.com/x448/float16.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType represents the data type of the elements of a tensor.
type DType int32

const (
	// InvalidDType is the zero value, used when no dtype was set.
	InvalidDType DType = 0

	// Bool holds two-state booleans, used for attention masks (true means "masked out").
	Bool DType = 1

	// Int32 holds token ids, position ids and labels.
	Int32 DType = 4

	// Float16 is IEEE 754 half precision, stored as float16.Float16.
	Float16 DType = 10

	// Float32 is IEEE 754 single precision.
	Float32 DType = 11
)

// Aliases for the most common types.
const (
	F16 = Float16
	F32 = Float32
)

// Supported lists the Go types that can be stored in a tensor.
type Supported interface {
	bool | int32 | float16.Float16 | float32
}

// Float lists the Go float types that can be stored in a tensor.
type Float interface {
	float16.Float16 | float32
}

// MapOfNames maps the lower-case names (and some common aliases) to the DType.
var MapOfNames = map[string]DType{
	"invalid": InvalidDType,
	"bool":    Bool,
	"int32":   Int32,
	"float16": Float16,
	"half":    Float16,
	"fp16":    Float16,
	"float32": Float32,
	"float":   Float32,
	"fp32":    Float32,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Bool:
		return "Bool"
	case Int32:
		return "Int32"
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case InvalidDType:
		return "InvalidDType"
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// DTypeString parses the name of a dtype, case-insensitive.
func DTypeString(name string) (DType, error) {
	dtype, found := MapOfNames[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// FromGenericsType returns the DType for the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int32:
		return Int32
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	}
	return InvalidDType
}

var (
	boolType    = reflect.TypeOf(false)
	int32Type   = reflect.TypeOf(int32(0))
	float16Type = reflect.TypeOf(float16.Float16(0))
	float32Type = reflect.TypeOf(float32(0))
)

// GoType returns the Go reflect.Type used to store the dtype, or nil if not supported.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return boolType
	case Int32:
		return int32Type
	case Float16:
		return float16Type
	case Float32:
		return float32Type
	}
	return nil
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Bool:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	}
	return 0
}

// Memory returns the number of bytes used by numElements of the dtype.
func (dtype DType) Memory(numElements int) uintptr {
	return uintptr(dtype.Size() * numElements)
}

// IsFloat returns whether the dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32
}

// IsFloat16 returns whether the dtype is the half precision type.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16
}

// IsInt returns whether the dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32
}

// IsSupported returns whether the dtype can be stored in a tensor.
func (dtype DType) IsSupported() bool {
	return dtype.GoType() != nil
}
