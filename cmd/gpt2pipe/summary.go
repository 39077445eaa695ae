// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/gpt2"
)

// lossesTable lists the mean loss of each micro-batch. Non-finite losses are highlighted.
func lossesTable(losses []float64) *TableWithReds {
	table := newPlainTable(true, lipgloss.Right)
	table.Table.Headers("Micro-batch", "Loss")
	var sum float64
	for ii, loss := range losses {
		sum += loss
		table.Row(math.IsNaN(loss) || math.IsInf(loss, 0), humanize.Comma(int64(ii)), fmt.Sprintf("%.4f", loss))
	}
	if len(losses) > 0 {
		table.Row(false, "mean", fmt.Sprintf("%.4f", sum/float64(len(losses))))
	}
	return table
}

// summaryTable lists the role and the size of the state dict of each rank.
func summaryTable(models []*gpt2.Model) *TableWithReds {
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Rank", "Role", "Pipeline", "Data", "Tensor", "# layers", "# parameters", "# bytes")
	var totalParams int
	var totalMemory uintptr
	for _, model := range models {
		topo := model.Topology()
		sd := model.StateDictForSaveCheckpoint()
		numParams, memory := sd.NumParams(), sd.Memory()
		totalParams += numParams
		totalMemory += memory
		table.Row(false,
			humanize.Comma(int64(topo.Rank())),
			model.Role().String(),
			humanize.Comma(int64(topo.PipelineRank())),
			humanize.Comma(int64(topo.DataRank())),
			humanize.Comma(int64(topo.TensorRank())),
			humanize.Comma(int64(len(model.LanguageModel().Layers))),
			humanize.Comma(int64(numParams)),
			humanize.Bytes(uint64(memory)))
	}
	table.Row(false, "total", "", "", "", "", "", humanize.Comma(int64(totalParams)), humanize.Bytes(uint64(totalMemory)))
	return table
}

// variablesTable lists the flattened state dict entries of the model.
func variablesTable(model *gpt2.Model) *TableWithReds {
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Key", "Shape", "Size", "Bytes")
	for pair := model.StateDictForSaveCheckpoint().Flatten().Oldest(); pair != nil; pair = pair.Next() {
		shape := pair.Value.Shape()
		table.Row(false, pair.Key, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())))
	}
	return table
}
