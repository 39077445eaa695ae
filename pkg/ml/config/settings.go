// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// param binds a hyperparameter key to the field holding its value.
type param struct {
	key string
	ptr any
}

func (p param) value() any {
	switch v := p.ptr.(type) {
	case *int:
		return *v
	case *int64:
		return *v
	case *float64:
		return *v
	case *bool:
		return *v
	case *dtypes.DType:
		return *v
	}
	return nil
}

func (m *Model) params() []param {
	return []param{
		{ParamVocabSize, &m.VocabSize},
		{ParamMakeVocabSizeDivisibleBy, &m.MakeVocabSizeDivisibleBy},
		{ParamHiddenSize, &m.HiddenSize},
		{ParamNumLayers, &m.NumLayers},
		{ParamNumAttentionHeads, &m.NumAttentionHeads},
		{ParamFFNHiddenSize, &m.FFNHiddenSize},
		{ParamMaxPositionEmbeddings, &m.MaxPositionEmbeddings},
		{ParamInitMethodStd, &m.InitMethodStd},
		{ParamLayerNormEpsilon, &m.LayerNormEpsilon},
		{ParamFP16LMCrossEntropy, &m.FP16LMCrossEntropy},
		{ParamDType, &m.DType},
		{ParamSeed, &m.Seed},
	}
}

// ParseSettings updates m from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "hidden_size=1024;num_layers=24".
//
// A setting of the form "file:<path>" reads more settings from the file, one or more
// per line, skipping empty lines and lines starting with "#".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the list of parameters set, and an error if a parameter is unknown or the parsing failed.
func ParseSettings(m *Model, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(m, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(m *Model, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(m, s, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	key, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	for _, p := range m.params() {
		if p.key != key {
			continue
		}
		switch v := p.ptr.(type) {
		case *int, *int64:
			err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
		case *float64, *bool:
			err = json.Unmarshal([]byte(valueStr), v)
		case *dtypes.DType:
			*v, err = dtypes.DTypeString(valueStr)
		}
		if err != nil {
			err = errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, key)
			return
		}
		newParamsSet = append(newParamsSet, key)
		return
	}
	err = errors.Errorf("unknown parameter %q in setting %q", key, setting)
	return
}
