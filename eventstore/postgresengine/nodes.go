package postgresengine

import (
	"context"
	"errors"
	"time"
)

// Node names a database server the EventStore talks to.
type Node string

const (
	// NodePrimary serves appends, schema changes and strongly consistent reads.
	NodePrimary Node = "primary"

	// NodeReplica serves the global feed when the EventStore was created with a replica.
	NodeReplica Node = "replica"

	logMsgPingFailed = "ping failed"
	logAttrNode      = "node"
)

// ErrNoReplicaConfigured is returned when pinging NodeReplica on an EventStore without a replica.
var ErrNoReplicaConfigured = errors.New("no replica configured")

// Nodes lists the configured nodes, the primary first.
func (es *EventStore) Nodes() []Node {
	if es.db.HasReplica() {
		return []Node{NodePrimary, NodeReplica}
	}

	return []Node{NodePrimary}
}

// Ping checks that node accepts connections.
func (es *EventStore) Ping(ctx context.Context, node Node) error {
	if node == NodeReplica && !es.db.HasReplica() {
		return ErrNoReplicaConfigured
	}

	start := time.Now()
	err := es.db.Ping(ctx, node == NodeReplica)
	if err != nil {
		es.logWarnContext(ctx, logMsgPingFailed, logAttrNode, string(node), logAttrError, err.Error())
		return err
	}

	es.logOperation(ctx, logActionPing, logAttrNode, string(node), logAttrDurationMS, toMilliseconds(time.Since(start)))

	return nil
}
