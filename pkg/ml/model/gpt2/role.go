// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpt2

import "github.com/gomlx/gpt2pipe/pkg/ml/parallel"

// StageRole is the part of the model held by a rank, given by its pipeline stage.
type StageRole int

//go:generate go tool enumer -type StageRole -trimprefix=StageRole -output=gen_stagerole_enumer.go role.go

const (
	// StageRoleFirst holds the embeddings and the first layers, and outputs a hidden state.
	StageRoleFirst StageRole = iota

	// StageRoleIntermediate holds only transformer layers.
	StageRoleIntermediate

	// StageRoleLast holds the last layers, the final LayerNorm and a copy of the word embeddings
	// used to project onto the vocabulary.
	StageRoleLast

	// StageRoleStandalone holds the whole model: it is both the first and the last stage.
	StageRoleStandalone
)

// RoleOf returns the role of the rank of topo.
func RoleOf(topo *parallel.Topology) StageRole {
	switch {
	case topo.IsFirstStage() && topo.IsLastStage():
		return StageRoleStandalone
	case topo.IsFirstStage():
		return StageRoleFirst
	case topo.IsLastStage():
		return StageRoleLast
	default:
		return StageRoleIntermediate
	}
}

// IsFirst returns whether the role includes the first stage: StageRoleFirst or StageRoleStandalone.
func (r StageRole) IsFirst() bool { return r == StageRoleFirst || r == StageRoleStandalone }

// IsLast returns whether the role includes the last stage: StageRoleLast or StageRoleStandalone.
func (r StageRole) IsLast() bool { return r == StageRoleLast || r == StageRoleStandalone }
