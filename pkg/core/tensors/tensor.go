// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a Tensor, a multidimensional array of a given shape and dtype,
// stored in local (host) memory as a flat slice of the corresponding Go type.
//
// The flat storage is row-major: the last axis is the fastest moving one.
//
// Tensors are mutable (in-place collective operations write into them) and safe to be
// accessed concurrently through ConstFlatData and MutableFlatData, which lock the tensor
// while the access function runs.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Tensor represents a multidimensional array stored locally.
type Tensor struct {
	mu    sync.Mutex
	shape shapes.Shape

	// flat holds the data: a slice of the Go type of shape.DType, with shape.Size() elements.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() || !shape.DType.IsSupported() {
		exceptions.Panicf("tensors.FromShape(%s): invalid or unsupported shape", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with a copy of data.
//
// It panics if len(data) doesn't match the product of the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromFloat32s creates a float tensor of the given dtype from float32 values, rounding
// them when dtype is Float16.
func FromFloat32s(dtype dtypes.DType, data []float32, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFloat32s(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	switch dtype {
	case dtypes.Float32:
		return &Tensor{shape: shape, flat: slices.Clone(data)}
	case dtypes.Float16:
		flat := make([]float16.Float16, len(data))
		for ii, v := range data {
			flat[ii] = float16.Fromfloat32(v)
		}
		return &Tensor{shape: shape, flat: flat}
	}
	exceptions.Panicf("FromFloat32s: dtype %s is not a float type", dtype)
	return nil
}

// FromIDs creates an Int32 tensor shaped [len(ids), len(ids[0])] from a batch of id sequences.
// All sequences must have the same length.
func FromIDs[T constraints.Integer](ids [][]T) *Tensor {
	if len(ids) == 0 || len(ids[0]) == 0 {
		exceptions.Panicf("tensors.FromIDs: empty batch or sequence")
	}
	seqLen := len(ids[0])
	flat := make([]int32, 0, len(ids)*seqLen)
	for row, seq := range ids {
		if len(seq) != seqLen {
			exceptions.Panicf("tensors.FromIDs: sequence #%d has length %d, expected %d", row, len(seq), seqLen)
		}
		for _, id := range seq {
			flat = append(flat, int32(id))
		}
	}
	return &Tensor{shape: shapes.Make(dtypes.Int32, len(ids), seqLen), flat: flat}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType.
// The data is owned by the Tensor and should not be changed.
// It locks the Tensor until accessFn returns.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data, which may be changed in place.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
// It panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.ConstFlatData(func(flatAny any) {
		flat, ok := flatAny.([]T)
		if !ok {
			var v T
			exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
		}
		accessFn(flat)
	})
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
// It panics if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.MutableFlatData(func(flatAny any) {
		flat, ok := flatAny.([]T)
		if !ok {
			var v T
			exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
		}
		accessFn(flat)
	})
}

// CopyFlatData returns a copy of the flat data.
func CopyFlatData[T dtypes.Supported](t *Tensor) (flatCopy []T) {
	ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return
}

// Float32s returns a copy of the data of a float tensor converted to float32.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Size())
	t.ConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			copy(out, flat)
		case []float16.Float16:
			for ii, v := range flat {
				out[ii] = v.Float32()
			}
		default:
			exceptions.Panicf("Tensor.Float32s() requires a float tensor, got %s", t.shape)
		}
	})
	return out
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{shape: t.shape.Clone()}
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(cloneV, flatV)
		clone.flat = cloneV.Interface()
	})
	return clone
}

// ConvertDType returns a new float tensor with the values converted to dtype.
// If the tensor already has the dtype, a clone is returned.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	if t.DType() == dtype {
		return t.Clone()
	}
	return FromFloat32s(dtype, t.Float32s(), t.shape.Dimensions...)
}

// Fill sets all elements of a numeric tensor to value, in place.
func (t *Tensor) Fill(value float64) {
	t.MutableFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			v := float32(value)
			for ii := range flat {
				flat[ii] = v
			}
		case []float16.Float16:
			v := float16.Fromfloat32(float32(value))
			for ii := range flat {
				flat[ii] = v
			}
		case []int32:
			v := int32(value)
			for ii := range flat {
				flat[ii] = v
			}
		case []bool:
			v := value != 0
			for ii := range flat {
				flat[ii] = v
			}
		}
	})
}

// CopyFrom copies the contents of src into t, in place. Shapes (dtype included) must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("cannot copy tensor of shape %s into tensor of shape %s", src.shape, t.shape)
	}
	if t == src {
		return nil
	}
	src.ConstFlatData(func(srcFlat any) {
		t.MutableFlatData(func(dstFlat any) {
			reflect.Copy(reflect.ValueOf(dstFlat), reflect.ValueOf(srcFlat))
		})
	})
	return nil
}

// SetFloat32s overwrites the contents of a float tensor with values, converting to its dtype.
func (t *Tensor) SetFloat32s(values []float32) {
	if len(values) != t.Size() {
		exceptions.Panicf("Tensor.SetFloat32s: got %d values for shape %s", len(values), t.shape)
	}
	t.MutableFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			copy(flat, values)
		case []float16.Float16:
			for ii, v := range values {
				flat[ii] = float16.Fromfloat32(v)
			}
		default:
			exceptions.Panicf("Tensor.SetFloat32s requires a float tensor, got %s", t.shape)
		}
	})
}

// BitEqual returns whether both tensors have the same shape and bit-identical contents.
func (t *Tensor) BitEqual(other *Tensor) bool {
	if t == other {
		return true
	}
	if other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flatAny any) {
		other.ConstFlatData(func(otherAny any) {
			switch flat := flatAny.(type) {
			case []float32:
				otherFlat := otherAny.([]float32)
				for ii, v := range flat {
					if math.Float32bits(v) != math.Float32bits(otherFlat[ii]) {
						equal = false
						return
					}
				}
			case []float16.Float16:
				equal = slices.Equal(flat, otherAny.([]float16.Float16))
			case []int32:
				equal = slices.Equal(flat, otherAny.([]int32))
			case []bool:
				equal = slices.Equal(flat, otherAny.([]bool))
			}
		})
	})
	return equal
}

// RowSlice returns a new tensor with a copy of the rows [start, end) of axis 0.
func (t *Tensor) RowSlice(start, end int) *Tensor {
	if t.Rank() == 0 || start < 0 || end > t.shape.Dimensions[0] || start >= end {
		exceptions.Panicf("Tensor.RowSlice(%d, %d) invalid for shape %s", start, end, t.shape)
	}
	rowSize := t.Size() / t.shape.Dimensions[0]
	dims := slices.Clone(t.shape.Dimensions)
	dims[0] = end - start
	out := &Tensor{shape: shapes.Make(t.DType(), dims...)}
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat).Slice(start*rowSize, end*rowSize)
		outV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(outV, flatV)
		out.flat = outV.Interface()
	})
	return out
}

// Reshape returns a tensor with the new dimensions sharing the same underlying data.
// The total size must be unchanged.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(t.DType(), dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): incompatible with shape %s", dimensions, t.shape)
	}
	var flat any
	t.ConstFlatData(func(f any) { flat = f })
	return &Tensor{shape: shape, flat: flat}
}

// ConcatenateLastAxis concatenates float tensors along their last axis. All other axes must
// match, and all parts must have the same dtype.
func ConcatenateLastAxis(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("ConcatenateLastAxis: no tensors given")
	}
	if len(parts) == 1 {
		return parts[0].Clone()
	}
	first := parts[0].Shape()
	outer := first.Size() / first.Dim(-1)
	totalLast := 0
	for ii, part := range parts {
		s := part.Shape()
		if s.DType != first.DType || s.Rank() != first.Rank() || s.Size()/s.Dim(-1) != outer {
			exceptions.Panicf("ConcatenateLastAxis: part #%d shape %s incompatible with %s", ii, s, first)
		}
		totalLast += s.Dim(-1)
	}
	out := FromShape(first.WithLastDim(totalLast))
	out.MutableFlatData(func(outFlat any) {
		outV := reflect.ValueOf(outFlat)
		offset := 0
		for _, part := range parts {
			partLast := part.Shape().Dim(-1)
			part.ConstFlatData(func(partFlat any) {
				partV := reflect.ValueOf(partFlat)
				for row := range outer {
					reflect.Copy(
						outV.Slice(row*totalLast+offset, row*totalLast+offset+partLast),
						partV.Slice(row*partLast, (row+1)*partLast))
				}
			})
			offset += partLast
		}
	})
	return out
}

// String implements fmt.Stringer. Large tensors are summarized.
func (t *Tensor) String() string {
	const maxValues = 8
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		n := min(flatV.Len(), maxValues)
		sb.WriteString("{")
		for ii := range n {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%v", flatV.Index(ii).Interface())
		}
		if flatV.Len() > maxValues {
			sb.WriteString(", ...")
		}
		sb.WriteString("}")
	})
	return sb.String()
}
