// Package conversation holds the council's conversations in memory.
//
// # Store
//
// Store keeps every conversation plus the active one and exposes the
// message mutation primitives the orchestrator writes through:
//
//   - AppendMessage(ctx, convID, msg): add a message (placeholder or final)
//   - AppendChunk(convID, msgID, text): extend a streaming message
//   - Finalize(ctx, convID, msgID, patch): patch and end streaming
//   - ReplaceMessages(ctx, convID, msgs): swap the whole list
//
// Message lists are copy-on-write. Get and List return deep copies, so a
// snapshot never changes under its reader.
//
// Finalize never changes a message id and always clears IsStreaming. Once
// finalized, a message rejects further chunks with ErrNotStreaming.
//
// # Persistence
//
// Committed changes (everything except chunks) are written through to an
// optional Persister with a bounded timeout. A failed write is logged and
// does not fail the mutation; the in-memory state stays authoritative.
//
// # Events
//
// Every change is published on a Broadcaster keyed by conversation id:
//
//	events, subID := s.Subscribe(ctx, convID)
//	for ev := range events {
//		switch ev.Kind {
//		case conversation.EventMessageChunk:
//			// ev.MessageID, ev.Chunk
//		}
//	}
//
// Publishing never blocks; events are dropped for subscribers that fall
// more than a buffer behind.
package conversation
