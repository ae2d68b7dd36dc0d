// Command interviewctl inspects stored interviews and manages the encrypted secrets file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"interviewer/pkg/config"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/metrics"
	"interviewer/pkg/persistence"
)

const queryTimeout = 10 * time.Second

// ctl carries what every subcommand needs.
type ctl struct {
	cfg    config.Config
	stdin  io.Reader
	lines  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: interviewctl [-config path] <command> [args]

Commands:
  sessions [-limit n]        List recent interviews
  show <session-id>          Show a session with its checkpoints and paste evaluations
  transcript <session-id>    Print the transcript from the event log
  stats [session-id]         Query Prometheus for fleet or per-session metrics
  secrets list               List the names stored in the secrets file
  secrets set <name>         Store a secret (value read from the terminal or stdin)
`)
}

// run parses args and dispatches to a subcommand, returning the exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("interviewctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigFile, "Path to the configuration file")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return 2
	}

	if err := config.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	c := &ctl{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "sessions":
		err = c.sessions(rest)
	case "show":
		err = c.show(rest)
	case "transcript":
		err = c.transcript(rest)
	case "stats":
		err = c.stats(rest)
	case "secrets":
		err = c.secrets(rest)
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", fs.Arg(0))
		printUsage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *ctl) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *ctl) openOps() (*persistence.DatabaseOperations, func(), error) {
	if _, err := os.Stat(c.cfg.Database.Path); err != nil {
		return nil, nil, fmt.Errorf("database %s: %w", c.cfg.Database.Path, err)
	}
	db, err := persistence.InitializeDatabase(c.cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewDatabaseOperations(db), func() { _ = db.Close() }, nil
}

func (c *ctl) sessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	limit := fs.Int("limit", 20, "Maximum number of sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ops, closeDB, err := c.openOps()
	if err != nil {
		return err
	}
	defer closeDB()

	records, err := ops.ListSessions(*limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.stdout, "No sessions recorded.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(c.stdout, "%s  %-10s %-22s %s / %s  %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Status, r.Stage, r.Company, r.Role, r.ID)
	}
	return nil
}

func (c *ctl) show(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: show <session-id>")
	}
	ops, closeDB, err := c.openOps()
	if err != nil {
		return err
	}
	defer closeDB()

	id := args[0]
	session, err := ops.GetSession(id)
	if err != nil {
		return err
	}
	checkpoints, err := ops.GetCheckpoints(id)
	if err != nil {
		return err
	}
	pastes, err := ops.GetPasteEvaluations(id)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{
		"session":     session,
		"checkpoints": checkpoints,
		"pastes":      pastes,
	})
}

func (c *ctl) transcript(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: transcript <session-id>")
	}
	entries, err := eventlog.Transcript(c.cfg.EventLog.Dir, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no transcript for session %s", args[0])
	}
	for _, e := range entries {
		ts := e.Timestamp.Local().Format(time.TimeOnly)
		switch {
		case e.Turn != nil:
			marker := ""
			if !e.Turn.Visible() {
				marker = " (" + e.Turn.Tag + ")"
			}
			fmt.Fprintf(c.stdout, "%s [%s] %s%s: %s\n", ts, e.Turn.Stage, e.Turn.Speaker, marker, e.Turn.Text)
		default:
			fmt.Fprintf(c.stdout, "%s --- %s -> %s (%s)\n", ts, e.From, e.To, e.Cause)
		}
	}
	return nil
}

func (c *ctl) stats(args []string) error {
	if c.cfg.Metrics.PrometheusURL == "" {
		return errors.New("metrics.prometheus_url is not configured")
	}
	q, err := metrics.NewQueryService(c.cfg.Metrics.PrometheusURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if len(args) == 1 {
		m, err := q.GetSessionMetrics(ctx, args[0])
		if err != nil {
			return err
		}
		return c.printJSON(m)
	}
	m, err := q.GetFleetMetrics(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(m)
}

func (c *ctl) secrets(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: secrets list | secrets set <name>")
	}
	dir := config.Dir()
	switch args[0] {
	case "list":
		if !config.SecretsFileExists(dir) {
			fmt.Fprintln(c.stdout, "No secrets file.")
			return nil
		}
		password, err := c.readSecret("Secrets password: ", os.Getenv(config.PasswordEnvVar))
		if err != nil {
			return err
		}
		secrets, err := config.DecryptSecretsFile(dir, password)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(secrets))
		for name := range secrets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(c.stdout, name)
		}
		return nil
	case "set":
		if len(args) != 2 {
			return errors.New("usage: secrets set <name>")
		}
		password, err := c.readSecret("Secrets password: ", os.Getenv(config.PasswordEnvVar))
		if err != nil {
			return err
		}
		secrets := map[string]string{}
		if config.SecretsFileExists(dir) {
			if secrets, err = config.DecryptSecretsFile(dir, password); err != nil {
				return err
			}
		}
		if secrets == nil {
			secrets = map[string]string{}
		}
		value, err := c.readSecret(fmt.Sprintf("Value for %s: ", args[1]), "")
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("empty value for %s", args[1])
		}
		secrets[args[1]] = value
		if err := config.EncryptSecretsFile(dir, password, secrets); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "✅ Stored %s in %s\n", args[1], config.SecretsFileName)
		return nil
	default:
		return fmt.Errorf("unknown secrets command %q", args[0])
	}
}

// readSecret returns preset when set, prompts without echo on a terminal, and otherwise
// reads one line from stdin.
func (c *ctl) readSecret(prompt, preset string) (string, error) {
	if preset != "" {
		return preset, nil
	}
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.stderr, prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(raw), nil
	}
	if c.lines == nil {
		c.lines = bufio.NewReader(c.stdin)
	}
	line, err := c.lines.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
