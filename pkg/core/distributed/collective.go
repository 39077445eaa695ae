// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"
)

// ReduceOp selects the reduction applied by an AllReduce.
type ReduceOp int

//go:generate go tool enumer -type ReduceOp -trimprefix=ReduceOp -output=gen_reduceop_enumer.go collective.go

const (
	ReduceOpUndefined ReduceOp = iota
	ReduceOpSum
	ReduceOpMax
)

// Group is the set of ranks participating in a collective operation.
//
// The order of Ranks matters: reductions are accumulated in this order, and AllGather returns
// the contributions in this order.
type Group struct {
	// Name is informative, used in logs and error messages, and to distinguish groups with the
	// same ranks but different purposes.
	Name  string
	Ranks []int
}

// NewGroup creates a Group with a copy of ranks.
func NewGroup(name string, ranks ...int) Group {
	return Group{Name: name, Ranks: slices.Clone(ranks)}
}

// Size returns the number of ranks in the group.
func (g Group) Size() int { return len(g.Ranks) }

// Index returns the position of rank in the group, or -1 if it is not a member.
func (g Group) Index(rank int) int { return slices.Index(g.Ranks, rank) }

// Contains returns whether rank is a member of the group.
func (g Group) Contains(rank int) bool { return g.Index(rank) >= 0 }

// key uniquely identifies the group in the fabric.
func (g Group) key() string {
	parts := make([]string, len(g.Ranks))
	for ii, r := range g.Ranks {
		parts[ii] = fmt.Sprint(r)
	}
	return g.Name + "[" + strings.Join(parts, ",") + "]"
}

// String implements fmt.Stringer.
func (g Group) String() string { return "Group(" + g.key() + ")" }
