package zenflake

import (
	"fmt"
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

// Node id 0 is reserved for keys of global resources such as process definitions.

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits
)

// Generator hands out unique int64 keys for runtime rows.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for the given node id.
// Node id must fit into NodeBits. NodeBits and StepBits match the snowflake defaults.
func NewGenerator(nodeId int64) (*Generator, error) {
	if nodeId < 0 || nodeId > nodeMax {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeId, nodeMax)
	}
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeId, err)
	}
	return &Generator{node: node}, nil
}

// NewGeneratorFromEnv derives the node id from a checksum of the process environment.
// constraints: two processes with identical environments will share the node id
func NewGeneratorFromEnv() (*Generator, error) {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	return NewGenerator(int64(hash32.Sum32()) & nodeMax)
}

func (g *Generator) Generate() int64 {
	return g.node.Generate().Int64()
}

// GetNodeId returns the node id encoded in the key.
func GetNodeId(key int64) int64 {
	return (key & nodeMask) >> int64(nodeShift)
}
