// Package host is the glue between a front end and the protocol client.
//
// An Extension owns one client.Client and one session.Store. Front ends
// (the terminal REPL in host/terminal, the WebSocket bridge in
// cmd/ws_bridge) hand it commands by name, e.g.
//
//	ext := host.New(cfg, cwd, host.Callbacks{
//	    OnAssistantMessage: func(text string, streamed bool) { ... },
//	    OnError:            func(msg string) { ... },
//	})
//	defer ext.Close()
//	ext.Execute(ctx, host.CmdSubmitPrompt, "explain this repository")
//
// and receive results through the Callbacks they registered.
//
// # Sessions
//
// The agent assigns session ids. After session/new the Extension stores the
// session under the agent's id. Each stored session remembers the client
// generation it was opened under; when the agent has been restarted since,
// the session is rebound before the next prompt, either by session/load
// when the agent supports it or by opening a new agent session and
// re-keying the stored history under the new id.
//
// # Errors
//
// Every failed command is reported through Callbacks.OnError in the form
// produced by Describe, which distinguishes a missing configuration, an
// error reported by the agent and an agent that did not answer in time.
package host
