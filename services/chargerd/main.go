package chargerd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"veilpay/crypto"
	"veilpay/native/delegation"
	"veilpay/native/nullifier"
	"veilpay/native/permit"
	"veilpay/observability"
	"veilpay/observability/logging"
	telemetry "veilpay/observability/otel"
	"veilpay/services/chargerd/store"
	"veilpay/storage"
)

// Main initialises and runs the recurring charge daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/chargerd/config.yaml", "path to chargerd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VEILPAY_ENV"))
	logger := logging.Setup("chargerd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "chargerd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	nullifierDB, err := storage.NewLevelDB(cfg.NullifierPath)
	if err != nil {
		return fmt.Errorf("open nullifier store: %w", err)
	}
	defer nullifierDB.Close()
	ledger := nullifier.NewLedger(nullifierDB)

	signer, err := loadSigner(cfg.Relayer)
	if err != nil {
		return fmt.Errorf("load relayer signer: %w", err)
	}

	verifier := permit.NewVerifier(permit.Domain{
		Name:              permit.DomainNameV1,
		Version:           permit.DomainVersionV1,
		ChainID:           cfg.Domain.ChainID,
		VerifyingContract: cfg.Domain.VerifyingContract,
	})

	var anchor *delegation.Anchor
	if attester := strings.TrimSpace(cfg.Delegation.AttesterAddress); attester != "" {
		addr, err := crypto.DecodeAddress(attester)
		if err != nil {
			return fmt.Errorf("decode attester address: %w", err)
		}
		anchor = delegation.NewAnchor(addr, ledger)
		anchor.SetRootHistory(cfg.Delegation.RootHistory)
	}

	metrics := NewMetrics()
	client, err := dialTransferClient(cfg.Relayer.Endpoint)
	if err != nil {
		return fmt.Errorf("dial transfer endpoint: %w", err)
	}
	relayer := NewRelayer(client, signer,
		WithSubmitRate(cfg.Relayer.SubmitRatePerSecond, cfg.Relayer.SubmitBurst),
		WithReceiptPollInterval(cfg.Relayer.ReceiptPollInterval.Duration),
		WithRelayerMetrics(metrics))
	defer relayer.Close()

	execOpts := []ExecutorOption{WithExecutorMetrics(metrics)}
	if anchor != nil {
		execOpts = append(execOpts, WithDelegationGate(AnchorGate{
			Anchor: anchor,
			Source: newPolicyAgentSource(cfg.Delegation.PolicyAgentURL),
		}))
	}
	executor := NewExecutor(verifier, ledger, relayer, execOpts...)

	scheduler := NewScheduler(st, executor,
		WithEmitter(observability.MetricsEmitter{}),
		WithSchedulerMetrics(metrics),
		WithSchedulerLogger(logger),
		WithMaxRetries(cfg.Scheduler.MaxRetries),
		WithRetryBackoff(cfg.Scheduler.RetryBackoff.Duration))

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := scheduler.Start(stopCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer := NewAdminServer(scheduler, st, ledger, anchor, auth)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", adminServer)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(mux, "chargerd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("chargerd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// loadSigner resolves the relayer's funded identity from the configured key
// material.
func loadSigner(cfg RelayerConfig) (*crypto.PrivateKey, error) {
	if cfg.SignerKey != "" {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode signer key: %w", err)
		}
		return crypto.PrivateKeyFromBytes(keyBytes)
	}
	if cfg.KeystorePath != "" {
		passphrase := os.Getenv(cfg.KeystorePassphrase)
		return crypto.LoadFromKeystore(cfg.KeystorePath, passphrase)
	}
	return nil, fmt.Errorf("no signer key material configured")
}
