// Package terminal implements the interactive command-line front end.
//
// Lines typed by the user are sent to the agent as prompts. Lines starting
// with a slash are commands:
//
//	/agent <prompt>   send <prompt> explicitly
//	/new              start a new session
//	/cancel           ask the agent to stop the current turn
//	/clear            clear the current session's history
//	/export           print and save the current session
//	/sessions         list sessions
//	/delete [id]      delete a session, the current one by default
//	/reconnect        restart the agent
//	/mcp              check the configured MCP servers
//	/quit, /exit      leave
//
// # Usage
//
//	term := terminal.New(os.Stdin, os.Stdout, terminal.ToolVerbosityInfo)
//	ext := host.New(cfg, cwd, term.Callbacks())
//	defer ext.Close()
//	err := term.Run(ctx, ext, initialPrompt)
//
// When streaming is enabled the agent's reply is written as it arrives.
package terminal
