package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/host"
)

// Host is what the terminal drives; *host.Extension satisfies it.
type Host interface {
	Execute(ctx context.Context, name, arg string) error
	HandleSlash(ctx context.Context, line string) (bool, error)
}

// ToolVerbosity controls how much of the agent's tool activity is shown.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// slash commands understood by the REPL, mapped to host commands.
var slashCommands = map[string]string{
	"/new":       host.CmdNewSession,
	"/cancel":    host.CmdCancelPrompt,
	"/clear":     host.CmdClearHistory,
	"/export":    host.CmdExportSession,
	"/sessions":  host.CmdListSessions,
	"/delete":    host.CmdDeleteSession,
	"/reconnect": host.CmdReconnect,
	"/mcp":       host.CmdCheckMCPServers,
}

// Terminal handles the terminal/CLI interaction mode
type Terminal struct {
	in        io.Reader
	out       io.Writer
	verbosity ToolVerbosity

	mu sync.Mutex
	// printed is what was streamed for the current turn; done is set once
	// the turn's final message has been written.
	printed strings.Builder
	done    bool
}

// New creates a new Terminal reading from in and writing to out
func New(in io.Reader, out io.Writer, verbosity ToolVerbosity) *Terminal {
	return &Terminal{in: in, out: out, verbosity: verbosity}
}

// Callbacks returns the callbacks to build the host with.
func (t *Terminal) Callbacks() host.Callbacks {
	return host.Callbacks{
		OnAssistantMessage: t.onMessage,
		OnChunk:            t.onChunk,
		OnToolCall:         t.onToolCall,
		OnDisplay:          func(text string) { t.println(text) },
		OnNotice:           func(text string) { t.println("Info: " + text) },
		OnError:            func(text string) { t.println("Error: " + text) },
	}
}

// Run starts the interactive terminal session. It returns when the input
// ends or the user types /quit or /exit.
func (t *Terminal) Run(ctx context.Context, h Host, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		t.processTurn(ctx, h, initialPrompt)
	}

	scanner := bufio.NewScanner(t.in)
	for {
		t.print("You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}

		// Exit commands
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		t.processTurn(ctx, h, userInput)
	}

	return scanner.Err()
}

// processTurn handles a single line of user input. Errors are reported by
// the host through OnError, so they are not printed again here.
func (t *Terminal) processTurn(ctx context.Context, h Host, userInput string) {
	if userInput == "/help" {
		t.println(t.help())
		return
	}
	name, arg, _ := strings.Cut(userInput, " ")
	if cmd, ok := slashCommands[name]; ok {
		h.Execute(ctx, cmd, strings.TrimSpace(arg))
		return
	}

	t.mu.Lock()
	t.printed.Reset()
	t.done = false
	t.mu.Unlock()
	if handled, _ := h.HandleSlash(ctx, userInput); handled {
		return
	}
	if strings.HasPrefix(userInput, "/") {
		t.println("Unknown command " + name + ", type /help")
		return
	}
	h.Execute(ctx, host.CmdSubmitPrompt, userInput)
}

func (t *Terminal) help() string {
	names := make([]string, 0, len(slashCommands))
	for name := range slashCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands: /agent <prompt>")
	for _, name := range names {
		b.WriteString(", " + name)
	}
	b.WriteString(", /quit")
	return b.String()
}

func (t *Terminal) onChunk(_, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if t.printed.Len() == 0 {
		fmt.Fprint(t.out, "Agent: ")
	}
	t.printed.WriteString(text)
	fmt.Fprint(t.out, text)
}

// onMessage finishes the turn. Chunks may still be in flight when the
// final text arrives, so whatever was not streamed yet is written here and
// later chunks of the turn are dropped.
func (t *Terminal) onMessage(text string, streamed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	printed := t.printed.String()
	t.done = true
	switch {
	case streamed && printed != "" && strings.HasPrefix(text, printed):
		fmt.Fprintln(t.out, text[len(printed):])
	case printed != "":
		fmt.Fprintln(t.out)
	default:
		fmt.Fprintf(t.out, "Agent: %s\n", text)
	}
}

func (t *Terminal) onToolCall(_ string, u acp.SessionUpdate) {
	switch t.verbosity {
	case ToolVerbosityInfo:
		if u.SessionUpdate == acp.UpdateToolCall {
			t.println(fmt.Sprintf("Agent is calling tool `%s`", u.Title))
		}
	case ToolVerbosityAll:
		if u.SessionUpdate == acp.UpdateToolCall {
			t.println(fmt.Sprintf("Agent is calling tool `%s` (%s) with input: %s", u.Title, u.Kind, u.RawInput))
		} else if u.Status != "" {
			t.println(fmt.Sprintf("Tool call %s: %s", u.ToolCallID, u.Status))
		}
	}
}

func (t *Terminal) print(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, s)
}

func (t *Terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}
