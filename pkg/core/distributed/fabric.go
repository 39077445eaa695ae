// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"

	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fabric connects a fixed number of ranks living in the same process, each one usually driven by
// its own goroutine, and implements collective and point-to-point communication among them.
//
// It plays the role of the process-group library of a multi-process job: each rank obtains
// its Communicator with Fabric.Rank and must issue the collectives of a given Group in the same
// order as the other members of the group.
//
// Collectives are blocking and have no timeout: a rank that never joins stalls the others.
// Only the cancellation of the context passed to the call unblocks a waiting rank.
type Fabric struct {
	id       uuid.UUID
	numRanks int

	mu sync.Mutex

	// sequences counts, per rank and group, the number of collectives issued so far. It pairs
	// the n-th call of each member of a group into the same rendezvous.
	sequences map[sequenceKey]int
	pending   map[rendezvousKey]*rendezvous

	mailboxes map[[2]int]chan *tensors.Tensor
}

type sequenceKey struct {
	rank  int
	group string
}

type rendezvousKey struct {
	group    string
	sequence int
}

type collectiveKind string

const (
	kindAllReduce collectiveKind = "AllReduce"
	kindAllGather collectiveKind = "AllGather"
)

// rendezvous of one collective call: it collects one contribution per group member.
type rendezvous struct {
	kind          collectiveKind
	contributions []*tensors.Tensor
	arrived       int
	done          chan struct{}
}

// mailboxCapacity is the number of in-flight point-to-point messages between two ranks
// before Send blocks.
const mailboxCapacity = 16

// NewFabric creates a Fabric for numRanks ranks.
func NewFabric(numRanks int) (*Fabric, error) {
	if numRanks < 1 {
		return nil, errors.Errorf("NewFabric requires at least one rank, got %d", numRanks)
	}
	f := &Fabric{
		id:        uuid.New(),
		numRanks:  numRanks,
		sequences: make(map[sequenceKey]int),
		pending:   make(map[rendezvousKey]*rendezvous),
		mailboxes: make(map[[2]int]chan *tensors.Tensor),
	}
	klog.V(1).Infof("Fabric %s created with %d ranks", f.id, numRanks)
	return f, nil
}

// ID returns the unique identifier of the fabric, used in logs.
func (f *Fabric) ID() uuid.UUID { return f.id }

// NumRanks returns the number of ranks connected by the fabric.
func (f *Fabric) NumRanks() int { return f.numRanks }

// Rank returns the Communicator for the given rank. It panics if rank is out of range.
func (f *Fabric) Rank(rank int) *Communicator {
	if rank < 0 || rank >= f.numRanks {
		panic(errors.Errorf("Fabric.Rank(%d): rank out of range [0, %d)", rank, f.numRanks))
	}
	return &Communicator{fabric: f, rank: rank}
}

// join contributes value (copied) to the next collective of group issued by rank, and waits
// for all members to contribute. It returns the contributions in group order, which must not
// be modified.
func (f *Fabric) join(ctx context.Context, kind collectiveKind, rank int, group Group, value *tensors.Tensor) ([]*tensors.Tensor, error) {
	pos := group.Index(rank)
	if pos < 0 {
		return nil, errors.Errorf("%s: rank %d is not a member of %s", kind, rank, group)
	}
	for _, r := range group.Ranks {
		if r < 0 || r >= f.numRanks {
			return nil, errors.Errorf("%s: %s has rank %d out of range [0, %d)", kind, group, r, f.numRanks)
		}
	}
	groupKey := group.key()

	f.mu.Lock()
	seqKey := sequenceKey{rank: rank, group: groupKey}
	rKey := rendezvousKey{group: groupKey, sequence: f.sequences[seqKey]}
	f.sequences[seqKey]++
	r, found := f.pending[rKey]
	if !found {
		r = &rendezvous{
			kind:          kind,
			contributions: make([]*tensors.Tensor, group.Size()),
			done:          make(chan struct{}),
		}
		f.pending[rKey] = r
	}
	if r.kind != kind {
		f.mu.Unlock()
		return nil, errors.Errorf("rank %d issued %s on %s (call #%d) while other members issued %s",
			rank, kind, group, rKey.sequence, r.kind)
	}
	r.contributions[pos] = value.Clone()
	r.arrived++
	if r.arrived == group.Size() {
		delete(f.pending, rKey)
		close(r.done)
	}
	f.mu.Unlock()

	select {
	case <-r.done:
		return r.contributions, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on %s of %s (call #%d)", rank, kind, group, rKey.sequence)
	}
}

// mailbox returns the channel for messages from src to dst.
func (f *Fabric) mailbox(src, dst int) chan *tensors.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int{src, dst}
	box, found := f.mailboxes[key]
	if !found {
		box = make(chan *tensors.Tensor, mailboxCapacity)
		f.mailboxes[key] = box
	}
	return box
}

// Communicator is the view of the Fabric from one rank.
type Communicator struct {
	fabric *Fabric
	rank   int
}

// Rank of this communicator.
func (c *Communicator) Rank() int { return c.rank }

// Size returns the total number of ranks of the fabric.
func (c *Communicator) Size() int { return c.fabric.numRanks }

// AllReduce reduces t across all members of group with op, and writes the result back into t.
//
// It blocks until every member of the group has issued the matching call. The reduction is
// accumulated in group order, in float32 for float tensors, so all members receive bit-identical
// results.
func (c *Communicator) AllReduce(ctx context.Context, group Group, op ReduceOp, t *tensors.Tensor) error {
	if op != ReduceOpSum && op != ReduceOpMax {
		return errors.Errorf("AllReduce: unsupported reduce operation %s", op)
	}
	if group.Size() == 1 && group.Contains(c.rank) {
		return nil
	}
	contributions, err := c.fabric.join(ctx, kindAllReduce, c.rank, group, t)
	if err != nil {
		return err
	}
	if err := reduceInto(op, contributions, t); err != nil {
		return errors.WithMessagef(err, "AllReduce(%s) on %s", op, group)
	}
	klog.V(2).Infof("rank %d: AllReduce(%s) of %s on %s done", c.rank, op, t.Shape(), group)
	return nil
}

// AllGather returns the value of t from every member of group, in group order.
// The returned tensors are copies owned by the caller.
func (c *Communicator) AllGather(ctx context.Context, group Group, t *tensors.Tensor) ([]*tensors.Tensor, error) {
	if group.Size() == 1 && group.Contains(c.rank) {
		return []*tensors.Tensor{t.Clone()}, nil
	}
	contributions, err := c.fabric.join(ctx, kindAllGather, c.rank, group, t)
	if err != nil {
		return nil, err
	}
	gathered := make([]*tensors.Tensor, len(contributions))
	for ii, contribution := range contributions {
		gathered[ii] = contribution.Clone()
	}
	return gathered, nil
}

// Barrier blocks until all members of the group reach it.
func (c *Communicator) Barrier(ctx context.Context, group Group) error {
	marker := tensors.FromFlatDataAndDimensions([]int32{int32(c.rank)}, 1)
	_, err := c.AllGather(ctx, group, marker)
	return err
}

// Send a copy of t to rank dst. It only blocks if dst has too many pending messages from this rank.
func (c *Communicator) Send(ctx context.Context, dst int, t *tensors.Tensor) error {
	if dst < 0 || dst >= c.fabric.numRanks || dst == c.rank {
		return errors.Errorf("Send: invalid destination rank %d from rank %d", dst, c.rank)
	}
	select {
	case c.fabric.mailbox(c.rank, dst) <- t.Clone():
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "rank %d sending to rank %d", c.rank, dst)
	}
}

// Recv blocks until a tensor sent by rank src arrives, and returns it.
func (c *Communicator) Recv(ctx context.Context, src int) (*tensors.Tensor, error) {
	if src < 0 || src >= c.fabric.numRanks || src == c.rank {
		return nil, errors.Errorf("Recv: invalid source rank %d on rank %d", src, c.rank)
	}
	select {
	case t := <-c.fabric.mailbox(src, c.rank):
		return t, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d receiving from rank %d", c.rank, src)
	}
}

// reduceInto reduces the contributions with op and writes the result into dst.
func reduceInto(op ReduceOp, contributions []*tensors.Tensor, dst *tensors.Tensor) error {
	shape := dst.Shape()
	for ii, contribution := range contributions {
		if !contribution.Shape().Equal(shape) {
			return errors.Errorf("contribution #%d has shape %s, expected %s", ii, contribution.Shape(), shape)
		}
	}
	switch shape.DType {
	case dtypes.Float32, dtypes.Float16:
		acc := contributions[0].Float32s()
		for _, contribution := range contributions[1:] {
			values := contribution.Float32s()
			for ii, v := range values {
				switch op {
				case ReduceOpSum:
					acc[ii] += v
				case ReduceOpMax:
					acc[ii] = max(acc[ii], v)
				}
			}
		}
		dst.SetFloat32s(acc)
	case dtypes.Int32:
		acc := tensors.CopyFlatData[int32](contributions[0])
		for _, contribution := range contributions[1:] {
			tensors.ConstFlatData(contribution, func(values []int32) {
				for ii, v := range values {
					switch op {
					case ReduceOpSum:
						acc[ii] += v
					case ReduceOpMax:
						acc[ii] = max(acc[ii], v)
					}
				}
			})
		}
		tensors.MutableFlatData(dst, func(flat []int32) { copy(flat, acc) })
	default:
		return errors.Errorf("dtype %s not supported by reductions", shape.DType)
	}
	return nil
}
