// Package engine defines the boundary to the light-client engine that performs the actual chain
// synchronization work, and Handle, the single lock-protected owner of that engine.
//
// Invariants:
// - All engine mutations (create, destroy, enqueue) are serialized by Handle.
// - Handle never blocks on a response queue while holding its lock.
// - A destroyed session's ResponseQueue reports ErrQueueClosed once drained or waited on.
//
// Usage:
//
//	h := engine.NewHandle(loopback.New(loopback.DefaultConfig()))
//	id, queue, err := h.CreateSession(spec, nil, nil)
//	_ = h.Enqueue(id, `{"jsonrpc":"2.0","id":1,"method":"system_name"}`)
//	resp, err := queue.Next(ctx)
package engine
