package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proof-capture-engine/internal/bridge"
	"proof-capture-engine/internal/browser"
	"proof-capture-engine/internal/engine"
	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/tabs"
	"proof-capture-engine/pkg/config"
	"proof-capture-engine/pkg/logger"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"
	"proof-capture-engine/pkg/validator"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exit codes
const (
	exitValid   = 0
	exitFailed  = 1
	exitInvalid = 2
)

type options struct {
	platform string
	action   string
	target   string
	viewer   string
	url      string
	required []string
	daemon   string
	timeout  time.Duration
}

// request builds the verification request described by the flags.
func (o *options) request() models.StartVerificationRequest {
	return models.StartVerificationRequest{
		Platform:         o.platform,
		ActionType:       o.action,
		TargetIdentifier: o.target,
		ViewerHandle:     o.viewer,
		TargetURL:        o.url,
		RequiredTargets:  o.required,
	}
}

// errHelp is returned by parseFlags when usage was requested.
var errHelp = errors.New("help requested")

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	var required string
	var help bool
	fs.StringVar(&opts.platform, "platform", "x", "Platform of the action")
	fs.StringVar(&opts.action, "action", "", "Action type (follow, like, comment)")
	fs.StringVar(&opts.target, "target", "", "Target identifier (tweet id or account id)")
	fs.StringVar(&opts.viewer, "viewer", "", "Handle of the logged-in account")
	fs.StringVar(&opts.url, "url", "", "Page to open (overrides the derived page)")
	fs.StringVar(&required, "required", "", "Comma-separated required targets (defaults to --target)")
	fs.StringVar(&opts.daemon, "daemon", "", "gRPC address of a running captured daemon")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Overall timeout (defaults to the session timeout plus a margin)")
	fs.BoolVar(&help, "help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if help {
		return nil, errHelp
	}
	if opts.action == "" {
		return nil, fmt.Errorf("--action is required")
	}
	if opts.target == "" {
		return nil, fmt.Errorf("--target is required")
	}
	for _, t := range strings.Split(required, ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.required = append(opts.required, t)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, errHelp) {
		showUsage()
		os.Exit(exitValid)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailed)
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitFailed)
	}

	appLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.CLI, logger.General)

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.GetSessionTimeout() + 30*time.Second
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var final models.SessionSnapshot
	var evidence *models.TaskEvidence
	if opts.daemon != "" {
		final, evidence, err = runRemote(ctx, opts, appLogger)
	} else {
		final, evidence, err = runLocal(ctx, cfg, opts, appLogger)
	}
	if err != nil {
		appLogger.Error().Err(err).Msg("Verification failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailed)
	}

	if err := writeReport(os.Stdout, final, evidence); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
		os.Exit(exitFailed)
	}
	os.Exit(exitCode(final, evidence))
}

// runRemote drives a verification through the daemon's gRPC bridge.
func runRemote(ctx context.Context, opts *options, lg zerolog.Logger) (models.SessionSnapshot, *models.TaskEvidence, error) {
	conn, err := grpc.NewClient(opts.daemon, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return models.SessionSnapshot{}, nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()
	client := bridge.NewClient(conn)

	resp, err := client.StartVerification(ctx, opts.request())
	if err != nil {
		return models.SessionSnapshot{}, nil, fmt.Errorf("failed to start verification: %w", err)
	}
	lg.Info().Str("session_id", resp.SessionID).Str("daemon", opts.daemon).Msg("Verification started")

	var final models.SessionSnapshot
	err = client.WatchSession(ctx, resp.SessionID, func(snap models.SessionSnapshot) {
		logProgress(lg, snap)
		final = snap
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = client.CancelVerification(context.Background(), resp.SessionID)
		}
		return final, nil, fmt.Errorf("failed to watch session: %w", err)
	}

	if final.Status != models.StatusCompleted {
		return final, nil, nil
	}
	evidence, err := client.GetEvidence(ctx, resp.SessionID)
	if err != nil {
		return final, nil, fmt.Errorf("failed to fetch evidence: %w", err)
	}
	return final, &evidence, nil
}

// runLocal runs a single verification with an in-process engine.
func runLocal(ctx context.Context, cfg *config.Config, opts *options, lg zerolog.Logger) (models.SessionSnapshot, *models.TaskEvidence, error) {
	chrome := browser.New(browser.Config{
		ControlURL:  cfg.Chrome.ControlURL,
		Bin:         cfg.Chrome.Bin,
		Headless:    cfg.Chrome.Headless,
		UserDataDir: cfg.Chrome.UserDataDir,
		Logger:      lg,
	})
	if err := chrome.Start(ctx); err != nil {
		return models.SessionSnapshot{}, nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}
	defer chrome.Shutdown()

	engineOpts := engine.DefaultOptions()
	engineOpts.SessionTimeout = cfg.GetSessionTimeout()
	engineOpts.GracePeriod = cfg.GetGracePeriod()
	engineOpts.MaxContextAttempts = cfg.MaxContextAttempts
	engineOpts.MaxActionPages = cfg.MaxActionPages
	engineOpts.MaxParseFailures = cfg.MaxParseFailures

	eng, err := engine.New(engine.Deps{
		Registry:    proofconfig.DefaultRegistry(),
		Interceptor: interceptor.New(lg),
		Tabs: tabs.NewManager(chrome, tabs.Options{
			SettleDelay:   cfg.GetSettleDelay(),
			NudgeInterval: cfg.GetNudgeInterval(),
			NudgeBurst:    1,
		}, lg),
		Validator: validator.NewValidator(),
		Logger:    lg,
	}, engineOpts)
	if err != nil {
		return models.SessionSnapshot{}, nil, err
	}
	chrome.SetSink(eng)
	if err := eng.Init(ctx); err != nil {
		return models.SessionSnapshot{}, nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	}()

	id, err := eng.StartVerification(ctx, opts.request())
	if err != nil {
		return models.SessionSnapshot{}, nil, err
	}
	snapshots, unsubscribe, err := eng.Subscribe(id)
	if err != nil {
		return models.SessionSnapshot{}, nil, err
	}
	defer unsubscribe()

	var final models.SessionSnapshot
	for {
		select {
		case <-ctx.Done():
			_ = eng.CancelVerification(id)
			return final, nil, ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				if final.Status != models.StatusCompleted {
					return final, nil, nil
				}
				evidence, err := eng.Evidence(ctx, id)
				if err != nil {
					return final, nil, err
				}
				return final, &evidence, nil
			}
			logProgress(lg, snap)
			final = snap
		}
	}
}

func logProgress(lg zerolog.Logger, snap models.SessionSnapshot) {
	lg.Info().
		Str("session_id", snap.SessionID).
		Str("status", string(snap.Status)).
		Int("action_pages", len(snap.ActionData)).
		Msg("Session progress")
}

// report is what the CLI prints on stdout.
type report struct {
	SessionID   string               `json:"sessionId"`
	Status      models.SessionStatus `json:"status"`
	ErrorReason string               `json:"errorReason,omitempty"`
	Evidence    *models.TaskEvidence `json:"evidence,omitempty"`
}

func writeReport(w io.Writer, final models.SessionSnapshot, evidence *models.TaskEvidence) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report{
		SessionID:   final.SessionID,
		Status:      final.Status,
		ErrorReason: final.ErrorReason,
		Evidence:    evidence,
	})
}

func exitCode(final models.SessionSnapshot, evidence *models.TaskEvidence) int {
	switch {
	case final.Status != models.StatusCompleted || evidence == nil:
		return exitFailed
	case !evidence.IsValid:
		return exitInvalid
	}
	return exitValid
}

// showUsage displays help information
func showUsage() {
	fmt.Printf(`verify - capture proof that a social action was performed

Usage:
  verify --action ACTION --target ID [options]

Options:
  --platform string   Platform of the action (default "x")
  --action string     Action type: follow, like, comment
  --target string     Target identifier (tweet id or account id)
  --viewer string     Handle of the logged-in account
  --url string        Page to open (overrides the derived page)
  --required string   Comma-separated required targets (defaults to --target)
  --daemon string     gRPC address of a running captured daemon; runs in-process when empty
  --timeout duration  Overall timeout
  --help              Show this help message

Environment Variables:
  CHROME_CONTROL_URL      DevTools websocket of a running Chrome
  CHROME_USER_DATA_DIR    Profile holding the platform login session
  SESSION_TIMEOUT_SECONDS Wall-clock budget of one verification

Exit Codes:
  0  proof captured and every required target found
  1  session failed or the CLI could not run
  2  proof captured but required targets are missing

Examples:
  # Check that alice liked a tweet
  verify --action like --target 7551115162124635447 --viewer alice

  # Check follows through a running daemon
  verify --daemon 127.0.0.1:8791 --action follow --target 12 --viewer alice --required 12,13
`)
}
