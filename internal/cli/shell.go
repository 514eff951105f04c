package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
)

// ShellCmd returns the shell command.
func ShellCmd(cfg *config.Config) *Command {
	flags := newFlags("shell")
	noHistory := flags.Bool("no-history", false, "Do not read or write the history file")

	return &Command{
		Flags: flags,
		Usage: "shell [flags]",
		Short: "Interactive shell over one cache target",
		Long: "Open the device and run an interactive shell over one cache target.\n" +
			"Type 'help' in the shell for its commands.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execShell(ctx, o, cfg, *noHistory)
		},
	}
}

// lineReader is the input side of the shell.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// scanReader reads commands from a non-interactive input.
type scanReader struct {
	sc *bufio.Scanner
}

func (r scanReader) Prompt(string) (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return r.sc.Text(), nil
}

func (scanReader) AppendHistory(string) {}

func (scanReader) Close() error { return nil }

// shell is the interactive command loop.
type shell struct {
	o       *IO
	s       *session
	q       bufcache.DelwriQueue
	history string
}

func execShell(ctx context.Context, o *IO, cfg *config.Config, noHistory bool) (err error) {
	s, err := openSession(cfg, o.errOut, sessionOptions{})
	if err != nil {
		return err
	}

	sh := &shell{o: o, s: s}

	defer func() {
		flushErr := sh.q.Submit()
		closeErr := s.close(ctx)

		err = errors.Join(err, flushErr, closeErr)
	}()

	var in lineReader

	if f, ok := o.In().(*os.File); ok && f == os.Stdin {
		state := liner.NewLiner()
		state.SetCtrlCAborts(true)
		state.SetCompleter(completeShell)

		if !noHistory {
			sh.history = shellHistoryFile(cfg)
			sh.loadHistory(state)
		}

		in = state
	} else {
		in = scanReader{sc: bufio.NewScanner(o.In())}
	}

	defer func() { _ = in.Close() }()

	o.Printf("metabuf shell on %s (%d blocks of %d bytes). Type 'help' for commands.\n",
		cfg.DeviceAbs, s.tgt.Blocks(), s.tgt.BlockSize())

	for ctx.Err() == nil {
		line, err := in.Prompt("metabuf> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		in.AppendHistory(line)

		if !sh.exec(line) {
			break
		}
	}

	if state, ok := in.(*liner.State); ok {
		sh.saveHistory(state)
	}

	return nil
}

// exec runs one shell line. It returns false when the shell should exit.
func (sh *shell) exec(line string) bool {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return false
	case "help", "?":
		sh.printHelp()
	case "read":
		err = sh.cmdRead(args)
	case "write":
		err = sh.cmdWrite(args)
	case "flush":
		err = sh.cmdFlush()
	case "stale":
		err = sh.cmdStale(args)
	case "incore":
		err = sh.cmdIncore(args)
	case "scan":
		err = sh.cmdScan(args)
	case "stats":
		sh.cmdStats()
	default:
		sh.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		sh.o.Println("error:", err)
	}

	return true
}

func (sh *shell) printHelp() {
	sh.o.Println("Commands:")
	sh.o.Println("  read <block> [len]       Read through the cache and show the first bytes")
	sh.o.Println("  write <block> <text>     Fill a cached block and queue it for write")
	sh.o.Println("  flush                    Write every queued block and wait")
	sh.o.Println("  stale <block> [len]      Invalidate a cached block")
	sh.o.Println("  incore <block> [len]     Show whether a block is cached")
	sh.o.Println("  scan [n]                 Run the shrinker over n LRU entries")
	sh.o.Println("  stats                    Show cache counters")
	sh.o.Println("  help                     Show this help")
	sh.o.Println("  exit / quit / q          Flush, drain and exit")
}

// blockArgs parses "<block> [len]".
func blockArgs(args []string) (int64, int, error) {
	if len(args) == 0 {
		return 0, 0, fmt.Errorf("%w: block address", errMissingArg)
	}

	addr, err := parseBlock(args[0])
	if err != nil {
		return 0, 0, err
	}

	length := 1

	if len(args) > 1 {
		length, err = strconv.Atoi(args[1])
		if err != nil || length <= 0 {
			return 0, 0, fmt.Errorf("%w: length %q", errInvalidArg, args[1])
		}
	}

	return addr, length, nil
}

func (sh *shell) cmdRead(args []string) error {
	addr, length, err := blockArgs(args)
	if err != nil {
		return err
	}

	b, err := sh.s.tgt.Read(addr, length, 0, nil)
	if err != nil {
		return err
	}
	defer b.Relse()

	head := make([]byte, min(b.Size(), 32))
	b.CopyOut(0, head)

	sh.o.Printf("block %d+%d hold=%d weight=%d flags=%s\n", addr, length, b.HoldCount(), b.LRUWeight(), b.Flags())
	sh.o.Printf("%s", hex.Dump(head))

	return nil
}

func (sh *shell) cmdWrite(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: write <block> <text>", errMissingArg)
	}

	addr, err := parseBlock(args[0])
	if err != nil {
		return err
	}

	b, err := sh.s.tgt.Get(addr, 1, 0)
	if err != nil {
		return err
	}

	err = fillBuffer(b, []byte(strings.Join(args[1:], " ")), nil)
	if err != nil {
		b.Relse()

		return err
	}

	queued := sh.q.Queue(b)
	b.Relse()

	if queued {
		sh.o.Printf("queued block %d (%d pending)\n", addr, sh.q.Len())
	} else {
		sh.o.Printf("block %d already queued\n", addr)
	}

	return nil
}

func (sh *shell) cmdFlush() error {
	n := sh.q.Len()

	err := sh.q.Submit()
	if err != nil {
		return err
	}

	sh.o.Printf("flushed %d blocks\n", n)

	return nil
}

func (sh *shell) cmdStale(args []string) error {
	addr, length, err := blockArgs(args)
	if err != nil {
		return err
	}

	b, err := sh.s.tgt.Incore(addr, length, 0)
	if err != nil {
		return err
	}

	b.Stale()
	b.Relse()

	sh.o.Printf("staled block %d+%d\n", addr, length)

	return nil
}

func (sh *shell) cmdIncore(args []string) error {
	addr, length, err := blockArgs(args)
	if err != nil {
		return err
	}

	b, err := sh.s.tgt.Incore(addr, length, bufcache.FlagTryLock)
	switch {
	case errors.Is(err, bufcache.ErrNotFound):
		sh.o.Printf("block %d+%d: not cached\n", addr, length)

		return nil
	case errors.Is(err, bufcache.ErrWouldBlock):
		sh.o.Printf("block %d+%d: cached, locked\n", addr, length)

		return nil
	case err != nil:
		return err
	}

	sh.o.Printf("block %d+%d: cached, hold=%d weight=%d flags=%s\n",
		addr, length, b.HoldCount(), b.LRUWeight(), b.Flags())
	b.Relse()

	return nil
}

func (sh *shell) cmdScan(args []string) error {
	n := sh.s.tgt.Count()

	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("%w: count %q", errInvalidArg, args[0])
		}

		n = v
	}

	freed := sh.s.tgt.Scan(n)
	sh.o.Printf("scanned %d, freed %d, %d left on LRU\n", n, freed, sh.s.tgt.Count())

	return nil
}

func (sh *shell) cmdStats() {
	st := sh.s.tgt.Stats()

	sh.o.Printf("buffers=%d lru=%d in_flight=%d queued=%d\n", st.Buffers, st.LRU, st.InFlight, sh.q.Len())
	sh.o.Printf("gets=%d hits=%d misses=%d reads=%d writes=%d reclaimed=%d\n",
		st.Gets, st.Hits, st.Misses, st.Reads, st.Writes, st.Reclaimed)
}

// shellHistoryFile returns the history path next to the global config, or
// in the working directory when no config home is known.
func shellHistoryFile(cfg *config.Config) string {
	if cfg.Sources.Global != "" {
		return filepath.Join(filepath.Dir(cfg.Sources.Global), "history")
	}

	return filepath.Join(cfg.EffectiveCwd, ".metabuf_history")
}

func (sh *shell) loadHistory(state *liner.State) {
	f, err := os.Open(sh.history)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = state.ReadHistory(f)
}

func (sh *shell) saveHistory(state *liner.State) {
	if sh.history == "" {
		return
	}

	f, err := os.Create(sh.history)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = state.WriteHistory(f)
}

var shellCommands = []string{
	"read", "write", "flush", "stale", "incore", "scan", "stats", "help", "exit", "quit",
}

// completeShell provides tab completion for shell commands.
func completeShell(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, c := range shellCommands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}

	return completions
}
