// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer implements the parameter initializers of the model.
//
// An Initializer is deterministic: the same seed and shape always produce the same values, so
// ranks that hold replicas of a parameter (or slices of it) can initialize it independently.
package initializer

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer creates a new tensor with the given shape, filled with values derived from seed.
type Initializer func(seed int64, shape shapes.Shape) *tensors.Tensor

var (
	// Zero initializes parameters with zero.
	Zero Initializer = func(_ int64, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes parameters with one.
	One Initializer = func(_ int64, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		t.Fill(1)
		return t
	}
)

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
//
// Only float dtypes are supported: values are sampled in float64 and rounded to the shape's dtype.
func Normal(stddev float64) Initializer {
	return func(seed int64, shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() {
			exceptions.Panicf("initializer.Normal requires a float shape, got %s", shape)
		}
		dist := distuv.Normal{
			Mu:    0,
			Sigma: stddev,
			Src:   rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15),
		}
		values := make([]float32, shape.Size())
		for ii := range values {
			values[ii] = float32(dist.Rand())
		}
		return tensors.FromFloat32s(shape.DType, values, shape.Dimensions...)
	}
}

// ScaledNormal returns the normal initializer used for the output projections of the transformer
// layers: the standard deviation is scaled down to stddev/sqrt(2*numLayers).
func ScaledNormal(stddev float64, numLayers int) Initializer {
	return Normal(stddev / math.Sqrt(2*float64(numLayers)))
}

// SeedFor derives the seed of a named parameter from the base seed of the model.
//
// The name is usually the full state-dict key of the parameter, so each parameter has
// independent values, and a parameter has the same values on every rank that creates it.
func SeedFor(baseSeed int64, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return baseSeed ^ int64(h.Sum64())
}
