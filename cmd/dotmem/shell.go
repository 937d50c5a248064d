package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmem/pkg/memory"
)

var errShellExit = errors.New("exit")

// shellSession carries the identity the shell records and recalls as.
type shellSession struct {
	engine   *memory.Engine
	user     string
	platform string
	out      io.Writer
}

func newShellCommand(opts *rootOptions) *cobra.Command {
	var (
		user     string
		platform string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive memory shell",
		Long: strings.TrimSpace(`Open a readline shell over the memory store. Background maintenance and
autosave run while the shell is open; state is saved on exit.

Type "help" inside the shell for the command list.`),
		Example: "  dotmem shell --user alice --platform cli",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(contextOrBackground(cmd.Context()))
			defer cancel()
			return withEngine(ctx, opts, func(e *memory.Engine) error {
				e.Start(ctx)
				sess := &shellSession{engine: e, user: user, platform: platform, out: cmd.OutOrStdout()}
				fmt.Fprintf(sess.out, "%s shell (type \"help\", Ctrl+D to exit)\n\n", appName)
				interactiveMode(sess)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Username recorded with added memories and favoured in recall")
	cmd.Flags().StringVarP(&platform, "platform", "p", "cli", "Platform recorded with added memories")
	return cmd
}

func interactiveMode(sess *shellSession) {
	prompt := fmt.Sprintf("%s> ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotmem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    shellCompleter(),
	})
	if err != nil {
		fmt.Fprintf(sess.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(sess.out, "Falling back to simple input mode...")
		simpleInteractiveMode(sess, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(sess.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(sess.out, "Error reading input: %v\n", err)
			continue
		}
		if err := sess.exec(line); err != nil {
			if errors.Is(err, errShellExit) {
				fmt.Fprintln(sess.out, "Goodbye!")
				return
			}
			fmt.Fprintf(sess.out, "Error: %v\n", err)
		}
	}
}

func simpleInteractiveMode(sess *shellSession, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(sess.out, "%s> ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(sess.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(sess.out, "Error reading input: %v\n", err)
			continue
		}
		if err := sess.exec(line); err != nil {
			if errors.Is(err, errShellExit) {
				fmt.Fprintln(sess.out, "Goodbye!")
				return
			}
			fmt.Fprintf(sess.out, "Error: %v\n", err)
		}
	}
}

func shellCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("add"),
		readline.PcItem("recall"),
		readline.PcItem("explain"),
		readline.PcItem("remove"),
		readline.PcItem("stats"),
		readline.PcItem("maintain"),
		readline.PcItem("check"),
		readline.PcItem("save"),
		readline.PcItem("user"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

const shellHelp = `Commands:
  add <text>        record a memory as the current user
  recall [topic]    retrieve relevant memories (counts as an access)
  explain [topic]   preview ranking with score breakdown
  remove <id>       delete a memory
  stats             tier sizes and counters
  maintain          run a migration and compaction pass
  check             verify store consistency
  save              persist now
  user [name]       show or switch the current user
  exit              leave the shell`

// exec runs one shell line. It returns errShellExit when the user asks to
// leave.
func (s *shellSession) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "exit", "quit":
		return errShellExit
	case "help", "?":
		fmt.Fprintln(s.out, shellHelp)
	case "add":
		if rest == "" {
			return fmt.Errorf("usage: add <text>")
		}
		in := memory.Input{Content: rest, Platform: s.platform}
		if s.user != "" {
			in.InvolvedUsers = []string{s.user}
		}
		id, err := s.engine.AddMemory(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "✓ %s\n", id)
	case "recall":
		printRecords(s.out, s.engine.RetrieveRelevant(s.query(rest), 0))
	case "explain":
		printRanked(s.out, s.engine.Rank(s.query(rest), 0))
	case "remove", "rm":
		if rest == "" {
			return fmt.Errorf("usage: remove <id>")
		}
		if !s.engine.RemoveMemory(rest) {
			return fmt.Errorf("%s: %w", rest, memory.ErrNotFound)
		}
		fmt.Fprintf(s.out, "✓ Removed %s\n", rest)
	case "stats":
		printStats(s.out, s.engine.GetStats())
	case "maintain":
		rep := s.engine.Maintain()
		fmt.Fprintf(s.out, "hot→warm %d, warm→cold %d, compacted %d into %d summaries\n",
			rep.ToWarm, rep.ToCold, rep.Compacted, rep.Summaries)
	case "check":
		if err := s.engine.CheckConsistency(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "✓ consistent")
	case "save":
		if err := s.engine.Save(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "✓ saved")
	case "user":
		if rest != "" {
			s.user = rest
		}
		fmt.Fprintf(s.out, "user: %s\n", valueOr(s.user, "(none)"))
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", verb)
	}
	return nil
}

func (s *shellSession) query(topic string) memory.Query {
	return memory.Query{Username: s.user, Topic: topic, Platform: s.platform}
}
