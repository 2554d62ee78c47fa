package tools

import "context"

// streamingCallbackKey is the context key for streaming callbacks.
type streamingCallbackKey struct{}

// StreamingCallback is a function that receives streaming text output.
type StreamingCallback func(text string)

// ContextWithStreamingCallback returns a new context with the streaming callback attached.
// Shell tools relay each output chunk of the current call to it.
func ContextWithStreamingCallback(ctx context.Context, onText StreamingCallback) context.Context {
	return context.WithValue(ctx, streamingCallbackKey{}, onText)
}

// GetStreamingCallback retrieves the streaming callback from the context, if present.
// Returns nil if no callback was attached.
func GetStreamingCallback(ctx context.Context) StreamingCallback {
	if cb, ok := ctx.Value(streamingCallbackKey{}).(StreamingCallback); ok {
		return cb
	}
	return nil
}

type callIDKey struct{}

// ContextWithCallID attaches the ID of the tool call being executed.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext returns the current tool call ID, or "".
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
