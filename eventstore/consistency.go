package eventstore

import "context"

// ConsistencyLevel tells a backend which database node may serve a read.
type ConsistencyLevel int

const (
	// StrongConsistency routes reads to the primary. Appends always run there,
	// so this is also what the idempotency check after a rejected append uses.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency lets reads go to a replica. Subscriptions to the global feed
	// poll with this level; a lagging replica then shows up as delayed delivery, which
	// is one of the behaviors the harness is meant to surface.
	EventualConsistency
)

type contextKey string

// ConsistencyLevelKey is the context key used to store consistency level preferences.
const ConsistencyLevelKey contextKey = "eventstore.consistency_level"

// WithStrongConsistency returns a context that pins reads to the primary.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, StrongConsistency)
}

// WithEventualConsistency returns a context that allows reads from a replica.
//
// Example usage:
//
//	pollCtx := eventstore.WithEventualConsistency(ctx)
//	rows, err := adapter.Query(pollCtx, sqlQuery)
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, ConsistencyLevelKey, EventualConsistency)
}

// GetConsistencyLevel extracts the consistency level from the context, defaulting to StrongConsistency.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(ConsistencyLevelKey).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}
