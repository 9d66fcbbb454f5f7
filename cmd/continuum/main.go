// Command continuum runs the conversation-continuity and model-routing engine
// behind a newline-delimited JSON tool-invocation loop on stdin/stdout.
//
// Provider API keys live in a local secrets file managed with the set-key and
// clear-key subcommands, never in the YAML config.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/continuum-ai/continuum/internal/auditlog"
	"github.com/continuum-ai/continuum/internal/config"
	"github.com/continuum-ai/continuum/internal/dedup"
	"github.com/continuum-ai/continuum/internal/lockfile"
	"github.com/continuum-ai/continuum/internal/registry"
	"github.com/continuum-ai/continuum/internal/router"
	"github.com/continuum-ai/continuum/internal/secrets"
	"github.com/continuum-ai/continuum/internal/thread"
	"github.com/continuum-ai/continuum/internal/threaddb"
)

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `continuum %s

Usage:
  continuum serve      [-config PATH] [-state-dir DIR] [-log-level LEVEL] [-log-format FORMAT]
  continuum set-key    [-state-dir DIR] <provider-id>     (key read from stdin)
  continuum clear-key  [-state-dir DIR] <provider-id>
  continuum keys       [-config PATH] [-state-dir DIR]
  continuum version
`, Version)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "set-key":
		err = cmdSetKey(os.Args[2:])
	case "clear-key":
		err = cmdClearKey(os.Args[2:])
	case "keys":
		err = cmdKeys(os.Args[2:])
	case "version":
		fmt.Printf("continuum %s (%s)\n", Version, Commit)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".continuum")
	}
	return ".continuum"
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "continuum.yaml", "Config file path")
	stateDir := fs.String("state-dir", defaultStateDir(), "State directory (lock, secrets, audit log)")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	_ = fs.Parse(args)

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock, err := lockfile.Acquire(filepath.Join(*stateDir, "daemon.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("another continuum instance is already running in %s", *stateDir)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		return fmt.Errorf("build profiles: %w", err)
	}

	reg := registry.New(logger)
	for _, p := range profiles {
		if err := reg.Register(p); err != nil {
			return err
		}
	}

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: *stateDir})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	keyStore := secrets.NewStore(filepath.Join(*stateDir, "secrets.json"))

	storeOpts := thread.Options{Logger: logger}
	if cfg.ThreadTTLMinutes > 0 {
		storeOpts.TTL = time.Duration(cfg.ThreadTTLMinutes) * time.Minute
	}
	if cfg.MaxThreads > 0 {
		storeOpts.MaxThreads = cfg.MaxThreads
	}
	if p := strings.TrimSpace(cfg.ThreadDBPath); p != "" {
		db, err := threaddb.Open(p)
		if err != nil {
			return fmt.Errorf("open thread db: %w", err)
		}
		defer func() { _ = db.Close() }()
		storeOpts.Persistence = db
	}
	store := thread.NewStore(storeOpts)
	store.Start()
	defer store.Stop()

	busy := thread.BusyQueue
	if cfg.EffectiveBusyPolicy() == "reject" {
		busy = thread.BusyReject
	}
	rt, err := router.New(router.Options{
		Logger:                logger,
		Store:                 store,
		Registry:              reg,
		Dedup:                 dedup.NewIndex(),
		BusyPolicy:            busy,
		ReservedOutputTokens:  cfg.ReservedOutputTokens,
		Audit:                 audit,
		ResolveProviderAPIKey: resolveAPIKey(keyStore),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("continuum ready", "version", Version, "providers", len(profiles))
	return serve(ctx, logger, rt)
}

func cmdSetKey(args []string) error {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	stateDir := fs.String("state-dir", defaultStateDir(), "State directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: continuum set-key [-state-dir DIR] <provider-id>")
	}
	providerID := fs.Arg(0)

	fmt.Fprintf(os.Stderr, "Paste API key for %q and press enter:\n", providerID)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return errors.New("no key provided")
	}
	key := strings.TrimSpace(sc.Text())
	if key == "" {
		return errors.New("no key provided")
	}

	store := secrets.NewStore(filepath.Join(*stateDir, "secrets.json"))
	if err := store.Set(providerID, key); err != nil {
		return err
	}
	fmt.Printf("key stored for %q\n", providerID)
	return nil
}

func cmdClearKey(args []string) error {
	fs := flag.NewFlagSet("clear-key", flag.ExitOnError)
	stateDir := fs.String("state-dir", defaultStateDir(), "State directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: continuum clear-key [-state-dir DIR] <provider-id>")
	}
	store := secrets.NewStore(filepath.Join(*stateDir, "secrets.json"))
	if err := store.Clear(fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("key cleared for %q\n", fs.Arg(0))
	return nil
}

func cmdKeys(args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	cfgPath := fs.String("config", "continuum.yaml", "Config file path")
	stateDir := fs.String("state-dir", defaultStateDir(), "State directory")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ids := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids = append(ids, strings.TrimSpace(p.ID))
	}

	store := secrets.NewStore(filepath.Join(*stateDir, "secrets.json"))
	status, err := store.Status(ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		state := "unset"
		if status[id] || envAPIKey(id) != "" {
			state = "set"
		}
		fmt.Printf("%s\t%s\n", id, state)
	}
	return nil
}

type wireError struct {
	Kind           string   `json:"kind"`
	Message        string   `json:"message"`
	ContinuationID string   `json:"continuation_id,omitempty"`
	RequestedModel string   `json:"requested_model,omitempty"`
	AttemptedChain []string `json:"attempted_chain,omitempty"`
}

type wireResponse struct {
	OK       bool             `json:"ok"`
	Response *router.Response `json:"response,omitempty"`
	Error    *wireError       `json:"error,omitempty"`
}

// serve reads one JSON request per line from stdin and writes one JSON response per
// line to stdout. Per-continuation ordering is enforced inside the router.
func serve(ctx context.Context, logger *slog.Logger, rt *router.Router) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req router.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(logger, enc, wireResponse{OK: false, Error: &wireError{Kind: "invalid_request", Message: err.Error()}})
			continue
		}
		resp, err := rt.Handle(ctx, req)
		if err != nil {
			writeResponse(logger, enc, wireResponse{OK: false, Error: toWireError(err)})
			continue
		}
		writeResponse(logger, enc, wireResponse{OK: true, Response: resp})
	}
	return scanner.Err()
}

func writeResponse(logger *slog.Logger, enc *json.Encoder, resp wireResponse) {
	if err := enc.Encode(resp); err != nil {
		logger.Error("write response failed", "err", err)
	}
}

func toWireError(err error) *wireError {
	out := &wireError{Kind: string(router.KindOf(err)), Message: err.Error()}
	var re *router.Error
	if errors.As(err, &re) && re != nil {
		out.ContinuationID = re.ContinuationID
		out.RequestedModel = re.RequestedModel
		out.AttemptedChain = re.AttemptedChain
	}
	return out
}

// resolveAPIKey prefers the local secrets store, then falls back to
// CONTINUUM_API_KEY_<PROVIDER_ID> for container-style deployments.
func resolveAPIKey(store *secrets.Store) func(providerID string) (string, bool, error) {
	return func(providerID string) (string, bool, error) {
		key, ok, err := store.Get(providerID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return key, true, nil
		}
		if v := envAPIKey(providerID); v != "" {
			return v, true, nil
		}
		return "", false, nil
	}
}

func envAPIKey(providerID string) string {
	name := "CONTINUUM_API_KEY_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(providerID), "-", "_"))
	return strings.TrimSpace(os.Getenv(name))
}

func newLogger(level string, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
