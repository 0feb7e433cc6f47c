package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTaskID    contextKey = "task_id"
	keyChainID   contextKey = "chain_id"
	keySessionID contextKey = "session_id"
	keyAgentID   contextKey = "agent_id"
)

// WithTaskID adds task ID to context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, keyTaskID, taskID)
}

// TaskID extracts task ID from context.
func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTaskID).(string)
	return v, ok && v != ""
}

// WithChainID adds chain ID to context.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, keyChainID, chainID)
}

// ChainID extracts chain ID from context.
func ChainID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyChainID).(string)
	return v, ok && v != ""
}

// WithSessionID adds collaboration session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, keySessionID, sessionID)
}

// SessionID extracts collaboration session ID from context.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySessionID).(string)
	return v, ok && v != ""
}

// WithAgentID adds agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}
