// Package session multiplexes one shared engine into independently named sessions.
//
// Invariants:
// - At most one session exists per name; duplicate starts are rejected.
// - Engine ids are never reused while the registry references them.
// - A session's response state moves from disconnected to connected at most once.
// - Once Stop returns, no response of the stopped session reaches any sink.
// - The name table, the response table and the engine handle each have their own lock and are
//   always acquired in that order, never nested in reverse.
//
// Usage:
//
//	mgr := session.NewManager()
//	mgr.Initialize(loopback.New(loopback.DefaultConfig()))
//	_ = mgr.Start(ctx, "relay", spec, nil, "")
//	responses := make(chan string, 16)
//	_ = mgr.Listen(ctx, "relay", responses)
//	_ = mgr.Send(ctx, "relay", `{"jsonrpc":"2.0","id":1,"method":"system_name"}`)
//	_ = mgr.Stop(ctx, "relay")
package session
