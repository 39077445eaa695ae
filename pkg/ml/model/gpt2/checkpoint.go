// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpt2

import (
	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys of the model state dict.
const (
	KeyLanguageModel         = "language_model"
	KeyWordEmbeddingsForHead = "word_embeddings_for_head"
)

// StateDictForSaveCheckpoint returns the state of the model's part:
//
//   - "language_model": the backbone's state, see language.Model.StateDict.
//   - "word_embeddings_for_head": the last stage's copy of the word embeddings, only for StageRoleLast.
//
// The tensors are the model's own, Clone the result to take a snapshot.
func (m *Model) StateDictForSaveCheckpoint() *statedict.StateDict {
	sd := statedict.New().Set(KeyLanguageModel, m.languageModel.StateDict())
	if m.role == StageRoleLast {
		sd.Set(KeyWordEmbeddingsForHead, m.wordEmbeddings.StateDict())
	}
	return sd
}

// LoadStateDict loads, in place, a state saved with StateDictForSaveCheckpoint by a model of the same role.
//
// The backbone's state is taken from "language_model" if present, otherwise the whole sd is taken as the
// backbone's state (the form of older checkpoints). strict is passed through to the loaders: in strict
// mode mismatched keys, including entries that belong to a stage of another role, return a
// *statedict.KeyMismatchError; otherwise they are ignored.
//
// The parts are loaded one after the other: on a StageRoleLast model "word_embeddings_for_head" is
// loaded before the backbone, and it stays loaded if loading the backbone then fails.
func (m *Model) LoadStateDict(sd *statedict.StateDict, strict bool) error {
	backbone := sd.Sub(KeyLanguageModel)
	if backbone != nil {
		known := []string{KeyLanguageModel}
		if m.role == StageRoleLast {
			known = append(known, KeyWordEmbeddingsForHead)
		}
		if unexpected := sd.FlatKeysExcept(known...); len(unexpected) > 0 {
			if strict {
				return errors.WithMessagef(&statedict.KeyMismatchError{Unexpected: unexpected},
					"gpt2.LoadStateDict(%s)", m.role)
			}
			klog.V(1).Infof("gpt2.LoadStateDict(%s): ignoring unexpected key(s) %q", m.role, unexpected)
		}
	} else {
		backbone = sd
		if m.role == StageRoleLast {
			backbone = sd.Without(KeyWordEmbeddingsForHead)
		}
	}

	if m.role == StageRoleLast {
		head := sd.Sub(KeyWordEmbeddingsForHead)
		switch {
		case head != nil:
			if err := m.wordEmbeddings.LoadStateDict(head, strict); err != nil {
				return errors.WithMessagef(err, "gpt2.LoadStateDict(%s) %q", m.role, KeyWordEmbeddingsForHead)
			}
		case strict:
			return errors.WithMessagef(&statedict.KeyMismatchError{Missing: []string{KeyWordEmbeddingsForHead}},
				"gpt2.LoadStateDict(%s)", m.role)
		default:
			klog.Warningf("gpt2.LoadStateDict(%s): %q not found, keeping the current word embeddings", m.role,
				KeyWordEmbeddingsForHead)
		}
	}
	if err := m.languageModel.LoadStateDict(backbone, strict); err != nil {
		return errors.WithMessagef(err, "gpt2.LoadStateDict(%s)", m.role)
	}
	return nil
}
