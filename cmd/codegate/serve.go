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

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/accounts"
	"github.com/MrEthical07/codegate/delivery/console"
	"github.com/MrEthical07/codegate/delivery/postmark"
	"github.com/MrEthical07/codegate/httpapi"
	"github.com/MrEthical07/codegate/metrics/export/prometheus"
	"github.com/MrEthical07/codegate/password"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveTrustedHeader string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP flow API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig("serve")
		if err != nil {
			return err
		}
		engineCfg, err := cfg.Engine()
		if err != nil {
			return err
		}

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		db, err := accounts.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		hasher, err := password.NewHasher(password.DefaultConfig())
		if err != nil {
			return err
		}

		var deliverer codegate.Deliverer
		if cfg.PostmarkServerToken != "" {
			deliverer = postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkFrom,
				postmark.WithEndpoint(cfg.PostmarkEndpoint),
				postmark.WithProductName(cfg.ProductName),
			)
		} else {
			logger.Warn().Msg("POSTMARK_SERVER_TOKEN not set; codes are printed to stdout")
			deliverer = console.New(os.Stdout)
		}

		engine, err := codegate.New().
			WithConfig(engineCfg).
			WithRedis(rdb).
			WithIdentity(accounts.NewStore(db, hasher)).
			WithDeliverer(deliverer).
			WithLogger(logger).
			WithAuditSink(codegate.NewLoggerSink(logger.With().Str("stream", "audit").Logger())).
			WithLatencyHistograms(true).
			Build()
		if err != nil {
			return fmt.Errorf("engine build: %w", err)
		}
		defer engine.Close()

		api := httpapi.New(engine,
			httpapi.WithLogger(logger),
			httpapi.WithMetricsHandler(prometheus.NewPrometheusExporter(engine).Handler()),
			httpapi.WithTrustedProxyHeader(serveTrustedHeader),
		)

		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
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

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveTrustedHeader, "trusted-proxy-header", "", "read the client IP from this header (e.g. X-Forwarded-For)")
	rootCmd.AddCommand(serveCmd)
}
