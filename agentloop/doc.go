// Package agentloop runs coding tasks as autonomous agent sessions.
//
// A session pairs one Task with a model backend and a closed set of tools.
// The Loop alternates between asking the model for its next turn and
// dispatching the tool requests it returns, appending every model response
// and every tool result to the session's append-only history, until the
// model gives a final answer or a limit, failure or cancellation ends the
// session.
//
// # Architecture
//
//   - ToolRegistry: the tools a model may request, their JSON schemas and
//     handlers. Dispatch validates arguments and runs the handler through a
//     sandbox.Adapter.
//   - SessionState: status, history and counters of one session. It enforces
//     the lifecycle graph and request/result pairing, and hands out
//     copy-on-read Snapshots.
//   - Loop: the state machine that drives one session at a time:
//     pending -> running <-> awaiting_tool -> succeeded | failed | cancelled | timed_out.
//   - Manager: admission control, one goroutine per session, cancellation,
//     retention of terminal sessions and archiving.
//   - Observer / Broadcaster: a non-blocking event stream of status changes
//     and appended turns.
//
// # Quick Start
//
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//	registry := agentloop.NewToolRegistry(sandbox.NewAdapter())
//	tools.RegisterDefaults(registry, env, nil, tools.DefaultOptions())
//
//	loop := agentloop.NewLoop(client, registry, agentloop.WithWorkspace(env))
//	mgr := agentloop.NewManager(loop, agentloop.DefaultManagerConfig())
//	defer mgr.Shutdown(context.Background())
//
//	id, err := mgr.Submit(agentloop.Task{Description: "write a function that reverses a string"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	snap, _ := mgr.Status(id)
//	fmt.Println(snap.Status)
package agentloop
