package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaymx/relaymx/internal/address"
	"github.com/relaymx/relaymx/internal/config"
	"github.com/relaymx/relaymx/internal/engine"
	"github.com/relaymx/relaymx/internal/observability"
	"github.com/relaymx/relaymx/internal/server"
	relaysmtp "github.com/relaymx/relaymx/internal/smtp"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/relaymx.yaml", "config file path")
		serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "genkey":
		genCmd := flag.NewFlagSet("genkey", flag.ExitOnError)
		bits := genCmd.Int("bits", 2048, "RSA key size in bits")
		selector := genCmd.String("selector", "relaymx", "DKIM selector")
		genCmd.Parse(os.Args[2:])
		runGenKey(*bits, *selector)
	case "version":
		fmt.Printf("relaymx %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("relaymx - DNS-driven SMTP forwarding relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relaymx serve  [--config path]   Start the inbound SMTP relay and ops server")
	fmt.Println("  relaymx genkey [--bits N] [--selector name]")
	fmt.Println("                                    Generate a DKIM key pair and print the DNS record")
	fmt.Println("  relaymx version                  Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting relaymx", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Endpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			ServiceName: "relaymx",
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.Error("initializing tracer", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// Disposable-domain deny-list, consulted by address parsing everywhere
	// a domain is validated.
	var deny *address.DisposableList
	if cfg.Disposable.ListPath != "" {
		deny, err = address.LoadDisposableList(cfg.Disposable.ListPath)
		if err != nil {
			logger.Warn("loading disposable domain list, continuing without it", "path", cfg.Disposable.ListPath, "error", err)
			deny = address.NewDisposableList()
		}
	} else {
		deny = address.NewDisposableList()
	}

	if cfg.DKIM.DomainName == "" || cfg.DKIM.PrivateKeyPath == "" {
		logger.Error("dkim.domain_name and dkim.private_key_path are required")
		os.Exit(1)
	}
	privateKeyPEM, err := os.ReadFile(cfg.DKIM.PrivateKeyPath)
	if err != nil {
		logger.Error("reading DKIM private key", "path", cfg.DKIM.PrivateKeyPath, "error", err)
		os.Exit(1)
	}

	dkimSigner, err := engine.NewSigner(cfg.DKIM.DomainName, cfg.DKIM.Selector, string(privateKeyPEM))
	if err != nil {
		logger.Error("initializing DKIM signer", "error", err)
		os.Exit(1)
	}
	dkimVerifier := engine.NewVerifier()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	dnsResolver := engine.NewDNSResolver(cfg.DNS.Resolver, cfg.DNS.Timeout)
	dnsResolver.SetMetrics(metrics)
	rateLimiter := engine.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window(), logger)
	spfChecker := engine.NewSPFChecker()
	forwardResolver := engine.NewForwardResolver(dnsResolver, deny)

	sender := engine.NewSender(engine.SenderConfig{
		HeloDomain:     cfg.SMTPInbound.Domain,
		TLSPolicy:      "opportunistic",
		TestMode:       cfg.SMTPInbound.TestMode,
		ConnectTimeout: cfg.SMTPInbound.ConnectTimeout,
		SendTimeout:    cfg.SMTPInbound.SendTimeout,
		Metrics:        metrics,
	}, dnsResolver, logger)

	backend := relaysmtp.NewBackend(relaysmtp.BackendConfig{
		Resolver:        dnsResolver,
		Forward:         forwardResolver,
		Limiter:         rateLimiter,
		SPFChecker:      spfChecker,
		DKIMVerifier:    dkimVerifier,
		DKIMSigner:      dkimSigner,
		Sender:          sender,
		Deny:            deny,
		Exchanges:       cfg.Exchanges,
		MaxMessageBytes: cfg.SMTPInbound.MaxMessageBytes,
		TestMode:        cfg.SMTPInbound.TestMode,
		Metrics:         metrics,
	}, logger.With("component", "smtp"))

	smtpServer := relaysmtp.NewServer(relaysmtp.ServerConfig{
		ListenAddr:      cfg.SMTPInbound.ListenAddr,
		Domain:          cfg.SMTPInbound.Domain,
		MaxMessageBytes: cfg.SMTPInbound.MaxMessageBytes,
		ReadTimeout:     cfg.SMTPInbound.ReadTimeout,
		WriteTimeout:    cfg.SMTPInbound.WriteTimeout,
		TLSCert:         cfg.TLS.Cert,
		TLSKey:          cfg.TLS.Key,
	}, backend, logger)

	opsServer := server.New(server.Config{
		Addr:         cfg.Server.HTTPAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Gatherer:     registry,
		Logger:       logger,
		Metrics:      metrics,
		Ready: func() error {
			return rdb.Ping(context.Background()).Err()
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ops HTTP server", "addr", cfg.Server.HTTPAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting inbound SMTP server", "addr", cfg.SMTPInbound.ListenAddr, "domain", cfg.SMTPInbound.Domain)
		if err := smtpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown", "error", err)
		}
		if err := smtpServer.Close(); err != nil {
			logger.Error("smtp server shutdown", "error", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("relaymx stopped")
}

// runGenKey generates a DKIM key pair and prints both the private key (PEM)
// and the DNS TXT record an operator publishes under
// <selector>._domainkey.<domain>.
func runGenKey(bits int, selector string) {
	privPEM, pubBase64, err := engine.GenerateDKIMKeyPair(bits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating DKIM key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== DKIM DNS Record ===")
	fmt.Printf("Add a TXT record for: %s._domainkey.<your-domain>\n", selector)
	fmt.Printf("Value: v=DKIM1; k=rsa; p=%s\n", pubBase64)
	fmt.Println()
	fmt.Println("=== DKIM Private Key (store securely) ===")
	fmt.Println(privPEM)
}

// setupLogger creates a slog.Logger based on the logging config, wrapped
// with trace-context injection so log lines carry the active span's
// trace_id and span_id when tracing is enabled.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(observability.NewTracingHandler(handler))
}
