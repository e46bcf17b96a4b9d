package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/host"
	"github.com/m4xw311/acpclient/host/terminal"
	"github.com/m4xw311/acpclient/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("acpc", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFlag := flags.String("config", "", "Load configuration from this file only")
	serverFlag := flags.String("server", "", "Agent server to use (defaults to agent.default_server)")
	cwdFlag := flags.String("cwd", "", "Working directory for agent sessions (defaults to the current directory)")
	resumeFlag := flags.String("resume", "", "Resume a session previously saved with /export")
	printFlag := flags.Bool("p", false, "Send the prompt given as arguments, print the reply and exit")
	toolVerbosityFlag := flags.String("tool-verbosity", "info", "Tool verbosity level: 'none', 'info', or 'all'")
	watchFlag := flags.Bool("watch", true, "Reload configuration when the config files change")
	traceFlag := flags.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	var verbosity terminal.ToolVerbosity
	switch v := terminal.ToolVerbosity(*toolVerbosityFlag); v {
	case terminal.ToolVerbosityNone, terminal.ToolVerbosityInfo, terminal.ToolVerbosityAll:
		verbosity = v
	default:
		fmt.Fprintf(stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *toolVerbosityFlag)
		return 2
	}

	logger, closeLog, err := newLogger(*traceFlag, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening trace file: %+v\n", err)
		return 1
	}
	defer closeLog()

	// Load configuration
	paths, err := configPaths(*configFlag)
	if err != nil {
		fmt.Fprintf(stderr, "Error locating configuration: %+v\n", err)
		return 1
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %+v\n", err)
		return 1
	}

	cwd := *cwdFlag
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			fmt.Fprintf(stderr, "Error getting working directory: %+v\n", err)
			return 1
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		fmt.Fprintf(stderr, "Error resolving working directory: %+v\n", err)
		return 1
	}

	term := terminal.New(stdin, stdout, verbosity)
	callbacks := term.Callbacks()
	if *printFlag {
		callbacks = oneShotCallbacks(stdout, stderr)
	}
	ext := host.New(cfg, cwd, callbacks,
		host.WithLogger(logger),
		host.WithServerName(*serverFlag),
		host.WithExportDir(filepath.Join(cwd, session.DefaultDir)))
	defer ext.Close()

	if *resumeFlag != "" {
		sess, err := ext.Store().LoadFrom(*resumeFlag)
		if err != nil {
			fmt.Fprintf(stderr, "Error resuming session '%s': %+v\n", *resumeFlag, err)
			return 1
		}
		fmt.Fprintf(stderr, "Resuming session: %s (%d messages)\n", sess.ID, len(sess.Messages))
	}

	if *watchFlag && !*printFlag {
		err := config.Watch(ctx, paths, logger, ext.SettingsUpdated)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	if err := ext.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "Error: "+host.Describe(err))
	}

	initialPrompt := strings.Join(flags.Args(), " ")
	if *printFlag {
		if initialPrompt == "" {
			fmt.Fprintln(stderr, "Error: -p needs a prompt")
			return 2
		}
		if err := ext.Execute(ctx, host.CmdSubmitPrompt, initialPrompt); err != nil {
			return 1
		}
		return 0
	}

	fmt.Fprintln(stdout, "acpc is ready. Type your prompt, or /help.")
	if err := term.Run(ctx, ext, initialPrompt); err != nil {
		fmt.Fprintf(stderr, "Stopped with an error: %+v\n", err)
		return 1
	}
	return 0
}

func configPaths(explicit string) ([]string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, err
		}
		return []string{explicit}, nil
	}
	return config.Paths()
}

// newLogger writes debug output to acp.trace when tracing, and warnings to
// stderr otherwise.
func newLogger(trace bool, stderr io.Writer) (*slog.Logger, func(), error) {
	if !trace {
		return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})), func() {}, nil
	}
	f, err := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { f.Close() }, nil
}

// oneShotCallbacks print only the reply on stdout, everything else on
// stderr.
func oneShotCallbacks(stdout, stderr io.Writer) host.Callbacks {
	return host.Callbacks{
		OnAssistantMessage: func(text string, _ bool) { fmt.Fprintln(stdout, text) },
		OnDisplay:          func(text string) { fmt.Fprintln(stdout, text) },
		OnError:            func(text string) { fmt.Fprintln(stderr, "Error: "+text) },
	}
}
