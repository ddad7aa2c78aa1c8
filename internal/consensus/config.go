package consensus

import (
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type Config struct {
	NodeID             types.NodeID
	Members            []types.NodeID
	BatchSize          int
	BatchTimeout       time.Duration
	CheckpointInterval uint64
	MaxLogSize         int
	ViewTimeout        time.Duration
	MaxRounds          int
	TickInterval       time.Duration
	InboxSize          int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          16,
		BatchTimeout:       2 * time.Millisecond,
		CheckpointInterval: 10,
		MaxLogSize:         100,
		ViewTimeout:        500 * time.Millisecond,
		MaxRounds:          3,
		TickInterval:       10 * time.Millisecond,
		InboxSize:          1024,
	}
}

func (c *Config) Validate() error {
	if c.NodeID.IsZero() {
		return fmt.Errorf("node id is required")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("membership is required")
	}
	found := false
	seen := make(map[types.NodeID]bool, len(c.Members))
	for _, m := range c.Members {
		if seen[m] {
			return fmt.Errorf("duplicate member %s", m.Short())
		}
		seen[m] = true
		if m == c.NodeID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("node %s is not a member", c.NodeID.Short())
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.CheckpointInterval == 0 {
		return fmt.Errorf("checkpoint_interval must be positive")
	}
	if c.ViewTimeout <= 0 {
		return fmt.Errorf("view_timeout must be positive")
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = c.ViewTimeout / 10
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	return nil
}
