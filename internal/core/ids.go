// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out time ordered file ids. Processes sharing a metadata
// store must use different node numbers.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for snowflake node 'node', which must be
// in [0, 1023].
func NewIDGenerator(node int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("node id %d: %s: %w", node, err, ErrConfiguration.Error())
	}
	return &IDGenerator{node: n}, nil
}

// NewFileID returns a new, unique file id. It is safe for concurrent use.
func (g *IDGenerator) NewFileID() string {
	return g.node.Generate().Base36()
}
