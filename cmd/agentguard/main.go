package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/auth"
	"github.com/yourorg/agentguard/internal/config"
	"github.com/yourorg/agentguard/internal/httpapi"
	"github.com/yourorg/agentguard/internal/sanitize"
	"github.com/yourorg/agentguard/internal/signing"
	"github.com/yourorg/agentguard/internal/telemetry"
	"github.com/yourorg/agentguard/internal/violation"
	"github.com/yourorg/agentguard/internal/wrapper"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		if err := keygen(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "keygen:", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		slog.Error("agentguard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("agentguard", pflag.ContinueOnError)
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "rules file (YAML, JSON or JSONC)")
	flags.StringVar(&cfg.KeysPath, "keys", cfg.KeysPath, "API keys file written by agentguard keygen")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: "agentguard", Endpoint: cfg.OTelEndpoint}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	keys, err := auth.LoadKeyFile(cfg.KeysPath, cfg.Auth)
	if err != nil {
		return err
	}
	if keys.Len() == 0 {
		logger.Warn("no API keys loaded, all authenticated routes will refuse requests", "path", cfg.KeysPath)
	}

	rules := config.LoadRules(cfg.RulesPath, logger)
	signer, verifier := signing.Load(rules.Signing(), logger)

	successStore, err := auditlog.NewFileStore(cfg.SuccessLogPath)
	if err != nil {
		return err
	}
	errorStore, err := auditlog.NewFileStore(cfg.ErrorLogPath)
	if err != nil {
		return err
	}

	ledgerStore, closeLedger, err := openLedgerStore(cfg)
	if err != nil {
		return err
	}
	defer closeLedger()
	ledger := violation.NewLedger(ledgerStore, logger)

	health := httpapi.NewAuditHealth(cfg.Strict(), logger)
	var sealer auditlog.Sealer
	if signer != nil {
		sealer = signer
	}
	pipeline := wrapper.NewPipeline(wrapper.Options{
		Success:        auditlog.NewAppender(successStore, auditlog.WithSealer(sealer)),
		Failure:        auditlog.NewAppender(errorStore, auditlog.WithSealer(sealer)),
		Sanitizer:      sanitize.New(cfg.Sanitize()),
		Logger:         logger,
		SessionLogging: rules.SessionLogging,
		OnAuditError:   health.Report,
	})

	registry := httpapi.NewRegistry(pipeline)
	registry.Register("echo", wrapper.Metadata{Agent: "echo"}, httpapi.Echo)

	server := httpapi.NewServer(httpapi.Config{
		Logs: map[string]auditlog.Store{
			"success": successStore,
			"error":   errorStore,
		},
		Keys:     keys,
		Verifier: verifier,
		Ledger:   ledger,
		Registry: registry,
		Limiter:  httpapi.NewRateLimiter(cfg.RatePerMinute, time.Minute),
		Health:   health,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentguard api listening",
			"addr", cfg.HTTPAddr,
			"signing", signer != nil,
			"apiKeys", keys.Len(),
			"logLevel", cfg.LogLevel,
			"sessionLogging", rules.SessionLogging,
			"auditFailureMode", cfg.AuditFailureMode,
			"violationBackend", cfg.ViolationBackend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openLedgerStore(cfg config.Config) (violation.Store, func(), error) {
	switch cfg.ViolationBackend {
	case config.BackendSQLite:
		store, err := violation.OpenSQLiteStore(cfg.ViolationStore)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := violation.OpenJSONFileStore(cfg.ViolationStore)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// keygen prints a new raw API key to stderr and its keys-file entry to
// stdout, so the entry can be appended to the keys file directly.
func keygen(args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	principal := flags.String("principal", "", "principal the key authenticates as (required)")
	name := flags.String("name", "", "human-readable key label")
	scopes := flags.StringSlice("scopes", []string{auth.ScopeInvoke}, "granted scopes: "+strings.Join(auth.AllScopes(), ", ")+" or *")
	rateLimit := flags.Int("rate-limit", 0, "calls per minute for this key (0 uses the server default)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(*principal) == "" {
		return errors.New("--principal is required")
	}

	key, raw, err := auth.NewKey(cfg.Auth, *principal, *name, *scopes)
	if err != nil {
		return err
	}
	key.RateLimit = *rateLimit
	entry, err := auth.MarshalKeyEntry(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "API key for %s (shown once): %s\n", key.PrincipalID, raw)
	_, err = os.Stdout.Write(entry)
	return err
}
