// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package language

import (
	"fmt"
	"math"

	"github.com/gomlx/gpt2pipe/internal/workerspool"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/pkg/errors"
)

// LayerNorm parameters.
type LayerNorm struct {
	Weight, Bias *tensors.Tensor
	Epsilon      float64
}

func newLayerNorm(cfg *config.Model, dim int) *LayerNorm {
	shape := shapes.Make(cfg.DType, dim)
	return &LayerNorm{Weight: initializer.One(0, shape), Bias: initializer.Zero(0, shape), Epsilon: cfg.LayerNormEpsilon}
}

// Forward normalizes x over its last axis.
func (ln *LayerNorm) Forward(x *tensors.Tensor) *tensors.Tensor {
	return nn.LayerNorm(x, ln.Weight, ln.Bias, ln.Epsilon)
}

// StateDict returns the parameters "weight" and "bias".
func (ln *LayerNorm) StateDict() *statedict.StateDict {
	return statedict.New().Set("weight", ln.Weight).Set("bias", ln.Bias)
}

// Linear parameters: Weight is shaped [out, in], Bias [out].
type Linear struct {
	Weight, Bias *tensors.Tensor
}

func newLinear(cfg *config.Model, init initializer.Initializer, name string, in, out int) *Linear {
	return &Linear{
		Weight: init(paramSeed(cfg, name+".weight"), shapes.Make(cfg.DType, out, in)),
		Bias:   initializer.Zero(0, shapes.Make(cfg.DType, out)),
	}
}

// Forward returns x @ Weight^T + Bias.
func (l *Linear) Forward(x *tensors.Tensor) *tensors.Tensor {
	return nn.Linear(x, l.Weight, l.Bias)
}

// StateDict returns the parameters "weight" and "bias".
func (l *Linear) StateDict() *statedict.StateDict {
	return statedict.New().Set("weight", l.Weight).Set("bias", l.Bias)
}

// TransformerLayer is a pre-LayerNorm transformer layer: causal multi-head self-attention followed
// by a GeLU MLP, each with a residual connection.
type TransformerLayer struct {
	// LayerNumber is the global index of the layer.
	LayerNumber int

	InputLayerNorm         *LayerNorm
	QueryKeyValue, Dense   *Linear
	PostAttentionLayerNorm *LayerNorm
	DenseHTo4H, Dense4HToH *Linear

	numHeads, headDim int
	maskFn            AttentionMaskFunc
}

func newTransformerLayer(cfg *config.Model, opts Options, layerNumber int) *TransformerLayer {
	prefix := fmt.Sprintf("transformer.layers.%d.", layerNumber)
	h, ffn := cfg.HiddenSize, cfg.FFNSize()
	return &TransformerLayer{
		LayerNumber:            layerNumber,
		InputLayerNorm:         newLayerNorm(cfg, h),
		QueryKeyValue:          newLinear(cfg, opts.InitMethod, prefix+"attention.query_key_value", h, 3*h),
		Dense:                  newLinear(cfg, opts.ScaledInitMethod, prefix+"attention.dense", h, h),
		PostAttentionLayerNorm: newLayerNorm(cfg, h),
		DenseHTo4H:             newLinear(cfg, opts.InitMethod, prefix+"mlp.dense_h_to_4h", h, ffn),
		Dense4HToH:             newLinear(cfg, opts.ScaledInitMethod, prefix+"mlp.dense_4h_to_h", ffn, h),
		numHeads:               cfg.NumAttentionHeads,
		headDim:                cfg.HeadDim(),
		maskFn:                 opts.AttentionMaskFn,
	}
}

// Forward applies the layer to hidden [batch, seq, hidden].
//
// past holds the keys and values of the previous positions (or nil). If getKeyValue is true, it
// also returns the keys and values of all positions, past and current.
func (l *TransformerLayer) Forward(hidden, mask *tensors.Tensor, past *KVCache, getKeyValue bool) (*tensors.Tensor, *KVCache, error) {
	attention, present, err := l.attention(l.InputLayerNorm.Forward(hidden), mask, past, getKeyValue)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "layer #%d", l.LayerNumber)
	}
	hidden = nn.Add(hidden, attention)
	mlp := l.Dense4HToH.Forward(nn.Gelu(l.DenseHTo4H.Forward(l.PostAttentionLayerNorm.Forward(hidden))))
	return nn.Add(hidden, mlp), present, nil
}

// attention implements the causal multi-head self-attention.
//
// The fused query_key_value projection is laid out per head: [q_h, k_h, v_h] for each head h.
func (l *TransformerLayer) attention(x, mask *tensors.Tensor, past *KVCache, getKeyValue bool) (*tensors.Tensor, *KVCache, error) {
	dtype := x.DType()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	nh, hd := l.numHeads, l.headDim
	hiddenSize := nh * hd

	mixed := l.QueryKeyValue.Forward(x).Float32s()
	blockSize := batchSize * nh * seqLen * hd
	q, k, v := make([]float32, blockSize), make([]float32, blockSize), make([]float32, blockSize)
	for b := range batchSize {
		for s := range seqLen {
			row := mixed[(b*seqLen+s)*3*hiddenSize : (b*seqLen+s+1)*3*hiddenSize]
			for n := range nh {
				dst := ((b*nh+n)*seqLen + s) * hd
				src := n * 3 * hd
				copy(q[dst:dst+hd], row[src:src+hd])
				copy(k[dst:dst+hd], row[src+hd:src+2*hd])
				copy(v[dst:dst+hd], row[src+2*hd:src+3*hd])
			}
		}
	}
	keys := tensors.FromFloat32s(dtype, k, batchSize, nh, seqLen, hd)
	values := tensors.FromFloat32s(dtype, v, batchSize, nh, seqLen, hd)
	if past != nil {
		var err error
		if keys, err = appendSeq(past.Key, keys); err != nil {
			return nil, nil, err
		}
		if values, err = appendSeq(past.Value, values); err != nil {
			return nil, nil, err
		}
	}
	var present *KVCache
	if getKeyValue {
		present = &KVCache{Key: keys, Value: values}
	}

	keyLen := keys.Shape().Dim(2)
	k, v = keys.Float32s(), values.Float32s()
	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := make([]float32, batchSize*nh*seqLen*keyLen)
	workerspool.Default.ForEach(batchSize*nh, func(bn int) {
		block := nn.MatMul(q[bn*seqLen*hd:(bn+1)*seqLen*hd], seqLen, hd, k[bn*keyLen*hd:(bn+1)*keyLen*hd], keyLen, true)
		out := scores[bn*seqLen*keyLen : (bn+1)*seqLen*keyLen]
		for ii, value := range block {
			out[ii] = value * scale
		}
	})
	scoresT := tensors.FromFlatDataAndDimensions(scores, batchSize, nh, seqLen, keyLen)
	if mask != nil {
		sliced, err := sliceMask(mask, keyLen-seqLen, keyLen, keyLen)
		if err != nil {
			return nil, nil, err
		}
		scoresT = l.maskFn(scoresT, sliced)
	}
	probs := nn.Softmax(scoresT).Float32s()

	attended := make([]float32, batchSize*seqLen*hiddenSize)
	workerspool.Default.ForEach(batchSize*nh, func(bn int) {
		b, n := bn/nh, bn%nh
		block := nn.MatMul(probs[bn*seqLen*keyLen:(bn+1)*seqLen*keyLen], seqLen, keyLen,
			v[bn*keyLen*hd:(bn+1)*keyLen*hd], hd, false)
		for s := range seqLen {
			dst := (b*seqLen+s)*hiddenSize + n*hd
			copy(attended[dst:dst+hd], block[s*hd:(s+1)*hd])
		}
	})
	return l.Dense.Forward(tensors.FromFloat32s(dtype, attended, batchSize, seqLen, hiddenSize)), present, nil
}

// sliceMask returns the rows [rowStart, rowEnd) and the columns [0, colEnd) of the last two axes of
// the Bool mask [batch|1, heads|1, rows, cols].
func sliceMask(mask *tensors.Tensor, rowStart, rowEnd, colEnd int) (*tensors.Tensor, error) {
	shape := mask.Shape()
	if mask.DType() != dtypes.Bool || shape.Rank() != 4 {
		return nil, errors.Errorf("attention mask must be a Bool tensor of rank 4, got %s", shape)
	}
	rows, cols := shape.Dim(2), shape.Dim(3)
	if rowStart < 0 || rowEnd > rows || colEnd > cols {
		return nil, errors.Errorf("attention mask %s too small for %d queries over %d keys", shape, rowEnd-rowStart, colEnd)
	}
	if rowStart == 0 && rowEnd == rows && colEnd == cols {
		return mask, nil
	}
	outer := shape.Dim(0) * shape.Dim(1)
	newRows := rowEnd - rowStart
	sliced := make([]bool, 0, outer*newRows*colEnd)
	tensors.ConstFlatData(mask, func(flat []bool) {
		for o := range outer {
			for r := rowStart; r < rowEnd; r++ {
				start := (o*rows + r) * cols
				sliced = append(sliced, flat[start:start+colEnd]...)
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(sliced, shape.Dim(0), shape.Dim(1), newRows, colEnd), nil
}

// StateDict returns the parameters of the layer.
func (l *TransformerLayer) StateDict() *statedict.StateDict {
	return statedict.New().
		Set("input_layernorm", l.InputLayerNorm.StateDict()).
		Set("attention", statedict.New().
			Set("query_key_value", l.QueryKeyValue.StateDict()).
			Set("dense", l.Dense.StateDict())).
		Set("post_attention_layernorm", l.PostAttentionLayerNorm.StateDict()).
		Set("mlp", statedict.New().
			Set("dense_h_to_4h", l.DenseHTo4H.StateDict()).
			Set("dense_4h_to_h", l.Dense4HToH.StateDict()))
}
