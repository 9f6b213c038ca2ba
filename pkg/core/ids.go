package core

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator issues unique memory item IDs.
type IDGenerator interface {
	NextID() int64
}

// SnowflakeGenerator issues time-ordered snowflake IDs.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator creates a generator for the given node number (0-1023).
// Engines sharing a store must use distinct node numbers.
func NewSnowflakeGenerator(node int64) (*SnowflakeGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, NewMemoryError("NewSnowflakeGenerator", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	return &SnowflakeGenerator{node: n}, nil
}

// NextID returns the next ID.
func (g *SnowflakeGenerator) NextID() int64 {
	return g.node.Generate().Int64()
}
