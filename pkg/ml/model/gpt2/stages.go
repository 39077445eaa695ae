// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpt2

import (
	"context"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/language"
	"github.com/pkg/errors"
)

// FirstStageInputs are the inputs of ForwardFirstStage.
type FirstStageInputs struct {
	InputIDs, PositionIDs, AttentionMask *tensors.Tensor
	TokenTypeIDs                         *tensors.Tensor
	LayerPast                            []*language.KVCache
	GetKeyValue                          bool
}

// IntermediateStageInputs are the inputs of ForwardIntermediateStage.
type IntermediateStageInputs struct {
	HiddenState, AttentionMask *tensors.Tensor
	LayerPast                  []*language.KVCache
	GetKeyValue                bool
}

// LastStageInputs are the inputs of ForwardLastStage.
type LastStageInputs struct {
	HiddenState, AttentionMask  *tensors.Tensor
	Labels                      *tensors.Tensor
	LayerPast                   []*language.KVCache
	GetKeyValue                 bool
	ForwardMethodParallelOutput *bool
}

// StandaloneInputs are the inputs of ForwardStandalone.
type StandaloneInputs struct {
	InputIDs, PositionIDs, AttentionMask *tensors.Tensor
	Labels                               *tensors.Tensor
	TokenTypeIDs                         *tensors.Tensor
	LayerPast                            []*language.KVCache
	GetKeyValue                          bool
	ForwardMethodParallelOutput          *bool
}

func (m *Model) checkRole(want StageRole) error {
	if m.role != want {
		return errors.Wrapf(ErrRoleMismatch, "Forward%sStage called on a %s stage model", want, m.role)
	}
	return nil
}

// ForwardFirstStage runs a StageRoleFirst model and returns the hidden state for the next stage.
func (m *Model) ForwardFirstStage(ctx context.Context, in FirstStageInputs) (*Output, error) {
	if err := m.checkRole(StageRoleFirst); err != nil {
		return nil, err
	}
	return m.Forward(ctx, &Inputs{
		InputIDs:      in.InputIDs,
		PositionIDs:   in.PositionIDs,
		TokenTypeIDs:  in.TokenTypeIDs,
		AttentionMask: in.AttentionMask,
		LayerPast:     in.LayerPast,
		GetKeyValue:   in.GetKeyValue,
	})
}

// ForwardIntermediateStage runs a StageRoleIntermediate model and returns the hidden state for the next stage.
func (m *Model) ForwardIntermediateStage(ctx context.Context, in IntermediateStageInputs) (*Output, error) {
	if err := m.checkRole(StageRoleIntermediate); err != nil {
		return nil, err
	}
	return m.Forward(ctx, &Inputs{
		HiddenState:   in.HiddenState,
		AttentionMask: in.AttentionMask,
		LayerPast:     in.LayerPast,
		GetKeyValue:   in.GetKeyValue,
	})
}

// ForwardLastStage runs a StageRoleLast model and returns the logits, or the loss if labels are given.
func (m *Model) ForwardLastStage(ctx context.Context, in LastStageInputs) (*Output, error) {
	if err := m.checkRole(StageRoleLast); err != nil {
		return nil, err
	}
	return m.Forward(ctx, &Inputs{
		HiddenState:                 in.HiddenState,
		AttentionMask:               in.AttentionMask,
		Labels:                      in.Labels,
		LayerPast:                   in.LayerPast,
		GetKeyValue:                 in.GetKeyValue,
		ForwardMethodParallelOutput: in.ForwardMethodParallelOutput,
	})
}

// ForwardStandalone runs a StageRoleStandalone model and returns the logits, or the loss if labels are given.
func (m *Model) ForwardStandalone(ctx context.Context, in StandaloneInputs) (*Output, error) {
	if m.role != StageRoleStandalone {
		return nil, errors.Wrapf(ErrRoleMismatch, "ForwardStandalone called on a %s stage model", m.role)
	}
	return m.Forward(ctx, &Inputs{
		InputIDs:                    in.InputIDs,
		PositionIDs:                 in.PositionIDs,
		TokenTypeIDs:                in.TokenTypeIDs,
		AttentionMask:               in.AttentionMask,
		Labels:                      in.Labels,
		LayerPast:                   in.LayerPast,
		GetKeyValue:                 in.GetKeyValue,
		ForwardMethodParallelOutput: in.ForwardMethodParallelOutput,
	})
}
