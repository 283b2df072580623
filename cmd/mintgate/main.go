package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/cryptoelites/mintgate/pkg/allowlist"
	"github.com/cryptoelites/mintgate/pkg/chain"
	"github.com/cryptoelites/mintgate/pkg/logger"
	"github.com/cryptoelites/mintgate/pkg/metrics"
	"github.com/cryptoelites/mintgate/pkg/mint"
	"github.com/cryptoelites/mintgate/pkg/server"
	"github.com/cryptoelites/mintgate/pkg/solclock"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultBindAddr    = "127.0.0.1:8080"
	defaultMetricsAddr = "127.0.0.1:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := pflag.Bool("verbose", false, "Enable verbose (debug) logging")
	rpcURLFlag := pflag.String("rpc-url", "", "Solana JSON-RPC URL (defaults to $RPC_URL)")
	programIDFlag := pflag.String("program-id", "", "Minting program address")
	configAccountFlag := pflag.String("config-account", "", "Program configuration account address")
	keypairFlag := pflag.String("keypair", "", "Path to the wallet keypair file")
	allowlistFlags := pflag.StringArray("allowlist", nil, "Allow-list file (one base58 address per line); repeatable")
	bindFlag := pflag.String("bind", defaultBindAddr, "Report server listen address")
	metricsAddrFlag := pflag.String("metrics-addr", defaultMetricsAddr, "Prometheus metrics listen address")
	refreshIntervalFlag := pflag.Duration("refresh-interval", 30*time.Second, "Periodic eligibility re-evaluation interval")
	confirmTimeoutFlag := pflag.Duration("confirm-timeout", 30*time.Second, "Per-attempt confirmation timeout")
	clockSyncIntervalFlag := pflag.Duration("clock-sync-interval", 15*time.Second, "Chain clock sync interval")
	pflag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	log.Info("mintgate starting", "version", version, "commit", commit, "date", date)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			log.Warn("failed to initialize sentry, continuing without it", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	rpcURL := *rpcURLFlag
	if rpcURL == "" {
		rpcURL = os.Getenv("RPC_URL")
	}
	if rpcURL == "" {
		return errors.New("rpc url is required (--rpc-url or $RPC_URL)")
	}

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}
	configAccount, err := solana.PublicKeyFromBase58(*configAccountFlag)
	if err != nil {
		return fmt.Errorf("invalid config account: %w", err)
	}

	key, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
	if err != nil {
		return fmt.Errorf("failed to load keypair: %w", err)
	}
	signer := chain.NewKeypairSigner(key)

	trees := make([]*allowlist.Tree, 0, len(*allowlistFlags))
	for _, path := range *allowlistFlags {
		tree, err := loadAllowList(path)
		if err != nil {
			return fmt.Errorf("failed to load allow list %s: %w", path, err)
		}
		root := tree.Root()
		log.Info("allow list loaded", "path", path, "addresses", tree.Len(), "root", fmt.Sprintf("%x", root))
		trees = append(trees, tree)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startMetricsServer(log, *metricsAddrFlag)

	client, err := chain.NewRPC(chain.RPCConfig{
		Logger:        log,
		Endpoint:      rpcURL,
		ProgramID:     programID,
		ConfigAccount: configAccount,
		AllowLists:    trees,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}

	netClock, err := solclock.NewNetwork(solclock.NetworkConfig{
		Logger:       log,
		Source:       client,
		Base:         clockwork.NewRealClock(),
		SyncInterval: *clockSyncIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create network clock: %w", err)
	}
	// The first eligibility pass must not judge time windows on the local
	// clock, so the first sync happens before the sync loop starts.
	if err := netClock.Sync(ctx); err != nil {
		return fmt.Errorf("initial chain clock sync failed: %w", err)
	}
	netClock.Start(ctx)

	session, err := mint.NewSession(mint.SessionConfig{
		Logger:         log,
		Clock:          netClock,
		Client:         client,
		Signer:         signer,
		Wallet:         signer.PublicKey(),
		ConfirmTimeout: *confirmTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := session.Resolve(ctx); err != nil {
		return fmt.Errorf("initial program resolve failed: %w", err)
	}
	if err := session.Refresh(ctx); err != nil {
		return fmt.Errorf("initial evaluation pass failed: %w", err)
	}
	session.Run(ctx)
	go refreshLoop(ctx, log, session, *refreshIntervalFlag)

	srv, err := server.New(server.Config{
		Logger:  log,
		Session: session,
		Bind:    *bindFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create report server: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down report server", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}

	log.Info("mintgate shutting down")
	return nil
}

// refreshLoop keeps the published eligibility report from going stale between
// settled attempts: time windows open and close, and other wallets consume the
// shared supply.
func refreshLoop(ctx context.Context, log *slog.Logger, session *mint.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("periodic refresh failed", "error", err)
			}
		}
	}
}

func startMetricsServer(log *slog.Logger, addr string) {
	if addr == "" {
		return
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			return
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
		}
	}()
}

// loadAllowList reads one base58 address per line; blank lines and '#'
// comments are skipped.
func loadAllowList(path string) (*allowlist.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var addresses []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addresses = append(addresses, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return allowlist.New(addresses)
}
