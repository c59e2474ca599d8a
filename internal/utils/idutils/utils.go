package idutils

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

var (
	sfNode     *snowflake.Node
	sfNodeErr  error
	sfNodeOnce sync.Once
)

// getNode lazily creates the snowflake node shared by the whole process. IDs generated by two different nodes with the same node number may collide, so only one is ever created.
func getNode() (*snowflake.Node, error) {
	sfNodeOnce.Do(func() {
		sfNode, sfNodeErr = snowflake.NewNode(1)
	})

	return sfNode, sfNodeErr
}

// GenerateSnowflakeId generates a process-unique ID.
func GenerateSnowflakeId() (string, error) {
	node, err := getNode()
	if err != nil {
		return "", errors.Wrap(err, "无法生成 ID")
	}

	id := node.Generate().String()
	return id, nil
}

// MustGenerateSnowflakeId is like `GenerateSnowflakeId` but panics if the ID can't be generated. The node number is a constant so it never fails in practice.
func MustGenerateSnowflakeId() string {
	id, err := GenerateSnowflakeId()
	if err != nil {
		panic(err)
	}

	return id
}
