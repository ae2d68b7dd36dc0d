package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"interviewer/internal/kernel"
	"interviewer/pkg/bridge"
	"interviewer/pkg/config"
	"interviewer/pkg/interview"
	"interviewer/pkg/logx"
	"interviewer/pkg/version"
)

type options struct {
	configPath string
	logFile    string
	console    bool
	company    string
	role       string
	candidate  string
}

func main() {
	var (
		configPath  = flag.String("config", config.DefaultConfigFile, "Path to the configuration file")
		logFile     = flag.String("log", "", "Also write logs to this file (console mode writes logs only there)")
		console     = flag.Bool("console", false, "Run a single interview in the terminal instead of serving HTTP")
		company     = flag.String("company", "", "Company for the console interview")
		role        = flag.String("role", "", "Role for the console interview")
		candidate   = flag.String("candidate", "", "Candidate name for the console interview")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("interviewd %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(options{
		configPath: *configPath,
		logFile:    *logFile,
		console:    *console,
		company:    *company,
		role:       *role,
		candidate:  *candidate,
	}))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(opts options) int {
	closer, err := setupLogging(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		return 1
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	if err := config.LoadConfig(opts.configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	password, err := handleSecretsDecryption(config.Dir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Infof("🚀 interviewd %s", version.String())
	k, err := kernel.NewKernel(ctx, &cfg, kernel.Options{Password: password})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		_ = k.Stop()
		return 1
	}
	defer func() {
		if err := k.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		}
	}()

	if opts.console {
		if err := runConsole(k, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Interview failed: %v\n", err)
			return 1
		}
		return 0
	}

	if password == "" {
		k.Logger.Warn("⚠️ no password set; the /api endpoints will refuse every request")
	}
	if err := k.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

// setupLogging mirrors logs to the requested file. In console mode the terminal belongs to
// the interview, so logs go only to the file (or are dropped when none is given).
func setupLogging(opts options) (io.Closer, error) {
	if !opts.console {
		if opts.logFile == "" {
			return nil, nil
		}
		return logx.SetLogFile(opts.logFile)
	}
	if opts.logFile == "" {
		logx.SetOutput(io.Discard)
		return nil, nil
	}
	f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", opts.logFile, err)
	}
	logx.SetOutput(f)
	return f, nil
}

// handleSecretsDecryption loads the encrypted secrets file next to the config, if any, and
// returns the password that unlocked it. The same password protects the HTTP API.
func handleSecretsDecryption(dir string) (string, error) {
	password := os.Getenv(config.PasswordEnvVar)
	if !config.SecretsFileExists(dir) {
		return password, nil
	}
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return "", fmt.Errorf("secrets file found but %s is not set and stdin is not a terminal", config.PasswordEnvVar)
		}
		fmt.Print("🔐 Secrets password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}
	secrets, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return password, nil
}

// runConsole runs one interview against stdin and stdout.
func runConsole(k *kernel.Kernel, opts options) error {
	if opts.company == "" || opts.role == "" {
		return errors.New("-company and -role are required with -console")
	}
	ctx := k.Context()
	out := bridge.NewConsole(os.Stdout)
	s, err := k.Manager.Create(ctx, interview.Info{
		Company:   opts.company,
		Role:      opts.role,
		Candidate: opts.candidate,
	}, out)
	if err != nil {
		return err
	}
	fmt.Printf("Type your answers. %s <file> shares code, %s ends the interview.\n\n", bridge.CommandPaste, bridge.CommandEnd)

	readErr := make(chan error, 1)
	go func() { readErr <- out.ReadEvents(ctx, os.Stdin, s.Submit) }()

	select {
	case <-s.Done():
	case <-ctx.Done():
		<-s.Done()
	case err := <-readErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			k.Logger.Warn("console input: %v", err)
		}
		<-s.Done()
	}
	fmt.Printf("\n🏁 Interview %s finished at stage %s.\n", s.ID(), s.Stage())
	return nil
}
