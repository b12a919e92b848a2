package domain

import "context"

// RunOptions are passed to ConversationEngine.Run.
type RunOptions struct {
	SessionID string // empty starts a new engine-side conversation
}

// RunResult is the outcome of one engine turn.
type RunResult struct {
	Response  string
	SessionID string
	Usage     Usage
}

// ConversationEngine turns user text into a reply (legacy router mode).
type ConversationEngine interface {
	Run(ctx context.Context, text string, opts RunOptions) (*RunResult, error)
}

// ChatSession owns one conversation in dialog mode. It is responsible for
// delivering its own replies through the channel it was created with.
type ChatSession interface {
	HandleMessage(ctx context.Context, text string, original *ChannelMessage) error
	Stop()
}

// BackgroundTaskRunner executes long-running work on behalf of dialog sessions.
type BackgroundTaskRunner interface {
	StopAll()
}
