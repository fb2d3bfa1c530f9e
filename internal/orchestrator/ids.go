package orchestrator

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

type IDGenerator interface {
	NewID() string
}

// counterIDs prefixes a process-wide sequence number with a random UUID, so
// ids never collide within a process even if the UUID source misbehaves.
type counterIDs struct {
	seq atomic.Uint64
}

func NewIDGenerator() IDGenerator {
	return &counterIDs{}
}

func (g *counterIDs) NewID() string {
	return fmt.Sprintf("%s-%d", uuid.NewString(), g.seq.Add(1))
}

// SequenceIDs yields prefix-1, prefix-2, ... and is meant for tests.
type SequenceIDs struct {
	Prefix string
	seq    atomic.Uint64
}

func (g *SequenceIDs) NewID() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.seq.Add(1))
}
