// Command dgcd runs the DGC backbone services. Each subcommand starts one
// service; `dgcd all` runs every service in a single process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dgc/backbone/internal/certauth"
	"dgc/backbone/internal/chainsink"
	"dgc/backbone/internal/config"
	"dgc/backbone/internal/dispute"
	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/ledger"
	"dgc/backbone/internal/market"
	"dgc/backbone/internal/money"
	"dgc/backbone/internal/recon"
	"dgc/backbone/internal/risk"
	"dgc/backbone/internal/trust"
)

type service struct {
	name  string
	short string
	port  int
	build func(log *logrus.Entry, token string) (http.Handler, func(), error)
}

var services = []service{
	{"cert", "certificate authority", 7001, buildCert},
	{"ledger", "ledger adapter", 7002, buildLedger},
	{"market", "marketplace engine", 7003, buildMarket},
	{"risk", "risk engine", 7004, buildRisk},
	{"recon", "reconciliation and freeze controller", 7005, buildRecon},
	{"dispute", "dispute orchestrator", 7006, buildDispute},
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dgcd",
		Short:         "digital gold certificate backbone services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	for _, svc := range services {
		svc := svc
		root.AddCommand(&cobra.Command{
			Use:   svc.name,
			Short: "run the " + svc.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOne(svc)
			},
		})
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "run every service in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll()
		},
	})
	return root
}

func runOne(svc service) error {
	log := config.Load(svc.name)
	token := os.Getenv("SERVICE_AUTH_TOKEN")
	handler, cleanup, err := svc.build(log, token)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, log, config.Addr(svc.port), handler)
}

func runAll() error {
	log := config.Load("all")
	token := os.Getenv("SERVICE_AUTH_TOKEN")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		slog := log.WithField("service", svc.name)
		handler, cleanup, err := svc.build(slog, token)
		if err != nil {
			return fmt.Errorf("%s: %w", svc.name, err)
		}
		defer cleanup()
		g.Go(func() error {
			return serve(ctx, slog, fmt.Sprintf(":%d", svc.port), handler)
		})
	}
	return g.Wait()
}

// serve runs one HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, log *logrus.Entry, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildCert(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := certauth.OpenStore(config.Str("CERT_DB_PATH", "data/certificates.db"))
	if err != nil {
		return nil, nil, err
	}
	sk, err := config.Require("ISSUER_PRIVATE_KEY_HEX")
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	client := httpx.NewClient(token)
	out := certauth.NewOutbound(os.Getenv("LEDGER_ADAPTER_URL"), client, log)
	svc, err := certauth.NewService(store, sk, out, log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	m := httpx.NewMetrics("certificate-authority")
	return svc.Router(log, m, token), func() { _ = store.Close() }, nil
}

func buildLedger(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := ledger.OpenStore(config.Str("LEDGER_DB_PATH", "data/ledger.db"))
	if err != nil {
		return nil, nil, err
	}
	var sink chainsink.Writer
	rpcURL := os.Getenv("CHAIN_RPC_URL")
	if rpcURL != "" {
		key, err := config.Require("CHAIN_PRIVATE_KEY")
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		registry, err := config.Require("DGC_REGISTRY_ADDRESS")
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		w, err := chainsink.NewRPCWriter(rpcURL, key, registry)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		sink = w
	}
	client := httpx.NewClient(token)
	svc := ledger.NewService(store, sink, os.Getenv("RISK_STREAM_URL"), client, log)
	m := httpx.NewMetrics("ledger-adapter")
	return svc.Router(log, m, token), func() { _ = store.Close() }, nil
}

func buildMarket(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := market.OpenStore(config.Str("MARKETPLACE_DB_PATH", "data/marketplace.db"))
	if err != nil {
		return nil, nil, err
	}
	client := httpx.NewClient(token)
	out := market.NewOutbound(
		os.Getenv("CERTIFICATE_SERVICE_URL"),
		os.Getenv("RECONCILIATION_SERVICE_URL"),
		os.Getenv("DISPUTE_SERVICE_URL"),
		os.Getenv("RISK_STREAM_URL"),
		client, log)
	svc := market.NewService(store, out, log)
	m := httpx.NewMetrics("marketplace")
	return svc.Router(log, m, token), func() { _ = store.Close() }, nil
}

func buildRisk(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := risk.OpenStore(config.Str("RISK_DB_PATH", "data/risk.db"))
	if err != nil {
		return nil, nil, err
	}
	client := httpx.NewClient(token)
	svc := risk.NewService(store,
		config.Int("RISK_ALERT_THRESHOLD", risk.DefaultAlertThreshold),
		os.Getenv("RISK_ALERT_WEBHOOK_URL"),
		client, log)
	m := httpx.NewMetrics("risk-engine")
	return svc.Router(log, m, token), func() { _ = store.Close() }, nil
}

func buildRecon(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := recon.OpenStore(config.Str("RECON_DB_PATH", "data/recon.db"))
	if err != nil {
		return nil, nil, err
	}
	custody, err := money.Parse(config.Str("CUSTODY_TOTAL_GRAM", "0"))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("CUSTODY_TOTAL_GRAM: %w", err)
	}
	threshold, err := money.Parse(config.Str("RECON_MISMATCH_THRESHOLD_GRAM", "1.0000"))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("RECON_MISMATCH_THRESHOLD_GRAM: %w", err)
	}
	client := httpx.NewClient(token)
	svc := recon.NewService(store, recon.Config{
		CertificateServiceURL: os.Getenv("CERTIFICATE_SERVICE_URL"),
		RiskStreamURL:         os.Getenv("RISK_STREAM_URL"),
		CustodyTotalGram:      custody,
		ThresholdGram:         threshold,
	}, client, log)
	gate := trust.NewGate(os.Getenv("RECON_UNFREEZE_ALLOWED_ROLES"), trust.DefaultUnfreezeRoles)
	m := httpx.NewMetrics("reconciliation-service")
	return svc.Router(log, m, token, gate), func() { _ = store.Close() }, nil
}

func buildDispute(log *logrus.Entry, token string) (http.Handler, func(), error) {
	store, err := dispute.OpenStore(config.Str("DISPUTE_DB_PATH", "data/disputes.db"))
	if err != nil {
		return nil, nil, err
	}
	svc := dispute.NewService(store, log)
	assignGate := trust.NewGate(os.Getenv("DISPUTE_ASSIGN_ALLOWED_ROLES"), trust.DefaultDisputeAssignRoles)
	resolveGate := trust.NewGate(os.Getenv("DISPUTE_RESOLVE_ALLOWED_ROLES"), trust.DefaultDisputeResolveRoles)
	m := httpx.NewMetrics("dispute-service")
	return svc.Router(log, m, token, assignGate, resolveGate), func() { _ = store.Close() }, nil
}
