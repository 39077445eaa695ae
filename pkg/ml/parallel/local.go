// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Local returns the Communicator of a job with a single rank (rank 0): collectives over the
// group {0} return immediately, and any other group is an error.
func Local() Communicator { return localCommunicator{} }

type localCommunicator struct{}

func (localCommunicator) Rank() int { return 0 }

func (localCommunicator) checkGroup(group distributed.Group) error {
	if group.Size() != 1 || group.Ranks[0] != 0 {
		return errors.Errorf("local communicator can't take part in collectives over %s", group)
	}
	return nil
}

func (c localCommunicator) AllReduce(_ context.Context, group distributed.Group, _ distributed.ReduceOp, _ *tensors.Tensor) error {
	return c.checkGroup(group)
}

func (c localCommunicator) AllGather(_ context.Context, group distributed.Group, t *tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := c.checkGroup(group); err != nil {
		return nil, err
	}
	return []*tensors.Tensor{t.Clone()}, nil
}
