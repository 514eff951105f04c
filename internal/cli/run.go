// Package cli implements the metabuf command line: device setup, cached
// block reads and writes, stress runs, image dump and restore, and an
// interactive shell over one cache target.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calvinalkan/metabuf/internal/config"

	flag "github.com/spf13/pflag"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitInterrupt = 130
)

// Run is the main entry point. Returns exit code.
//
// A first signal on sigCh cancels the command context so long-running
// commands drain and stop; a second one exits immediately.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) == 0 {
		args = []string{"metabuf"}
	}

	globals, rest, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, nil)

		return exitError
	}

	o := NewIO(in, out, errOut)

	if globals.help || len(rest) == 0 {
		printUsage(out, nil)

		return exitOK
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: globals.workDir,
		ConfigPath:      globals.configPath,
		Overrides:       globals.overrides,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return exitError
	}

	commands := allCommands(&cfg)

	cmd, ok := commands[rest[0]]
	if !ok {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, commands)

		return exitError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, o, rest[1:])
	}()

	select {
	case code := <-done:
		return code
	case <-sigCh:
	}

	fprintln(errOut, "interrupted, stopping (press Ctrl+C again to force)")
	cancel()

	select {
	case code := <-done:
		if code == exitOK {
			return exitInterrupt
		}

		return code
	case <-sigCh:
		return exitInterrupt
	}
}

// allCommands returns the command table keyed by name.
func allCommands(cfg *config.Config) map[string]*Command {
	list := []*Command{
		MkdevCmd(cfg),
		ReadCmd(cfg),
		WriteCmd(cfg),
		StressCmd(cfg),
		DumpCmd(cfg),
		RestoreCmd(cfg),
		ShellCmd(cfg),
		PrintConfigCmd(cfg),
	}

	m := make(map[string]*Command, len(list))
	for _, c := range list {
		m[c.Name()] = c
	}

	return m
}

type globalFlags struct {
	help       bool
	workDir    string
	configPath string
	overrides  config.Overrides
}

// parseGlobalFlags parses flags before the command name. Parsing stops at
// the first non-flag argument, which is returned with everything after it.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var g globalFlags

	fs := flag.NewFlagSet("metabuf", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)

	fs.BoolVarP(&g.help, "help", "h", false, "Show help")
	fs.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVarP(&g.configPath, "config", "c", "", "Use config `file` instead of .metabuf.json")

	device := fs.StringP("device", "d", "", "Device image `path`")
	logLevel := fs.String("log-level", "", "Log `level` (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log `format` (text, json)")

	err := fs.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return globalFlags{help: true}, nil, nil
		}

		return globalFlags{}, nil, err
	}

	if fs.Changed("device") {
		g.overrides.Device = device
	}

	if fs.Changed("log-level") {
		g.overrides.LogLevel = logLevel
	}

	if fs.Changed("log-format") {
		g.overrides.LogFormat = logFormat
	}

	return g, fs.Args(), nil
}

func printUsage(w io.Writer, commands map[string]*Command) {
	if commands == nil {
		commands = allCommands(&config.Config{})
	}

	var b strings.Builder

	b.WriteString(`metabuf - metadata buffer cache over a block device image

Usage: metabuf [global flags] <command> [args]

Global flags:
  -C, --cwd <dir>           Run as if started in <dir>
  -c, --config <file>       Use config file instead of .metabuf.json
  -d, --device <path>       Device image path
      --log-level <level>   Log level (debug, info, warn, error)
      --log-format <format> Log format (text, json)
  -h, --help                Show help

Commands:
`)

	for _, name := range commandOrder {
		if c, ok := commands[name]; ok {
			b.WriteString(c.HelpLine())
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nRun 'metabuf <command> --help' for command flags.\n")

	fprint(w, b.String())
}

var commandOrder = []string{"mkdev", "read", "write", "stress", "dump", "restore", "shell", "print-config"}

func fprint(w io.Writer, a ...any) {
	_, _ = fmt.Fprint(w, a...)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
