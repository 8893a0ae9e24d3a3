package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotki/nftkit/server"
	"github.com/rotki/nftkit/sponsorship"
	"github.com/rotki/nftkit/util"
	"github.com/spf13/cobra"
)

func init() {
	serve := &serve{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the http api",
		Args:  cobra.NoArgs,
		RunE:  serve.Run,
	}

	cmd.Flags().String("addr", "", "listen address, overrides server.addr")

	rootCmd.AddCommand(cmd)
}

type serve struct{}

func (c *serve) Run(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if fAddr, _ := cmd.Flags().GetString("addr"); fAddr != "" {
		addr = fAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.cache.Sweeper().Start(ctx); err != nil {
		return err
	}
	defer a.cache.Sweeper().Stop()

	warmer := sponsorship.NewWarmer(a.sponsorship, a.cfg.WarmerOptions(), util.LogAlerter(a.log))
	if err := warmer.Start(ctx); err != nil {
		return err
	}
	defer warmer.Stop()

	srv := &http.Server{
		Addr: addr,
		Handler: server.New(server.Options{
			Sponsorship: a.sponsorship,
			Images:      a.images,
			Cache:       a.cache,
			Logger:      a.log,
			Version:     VERSION,
		}).Router(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", slog.String("addr", addr), slog.Bool("sponsorship", a.sponsorship.Enabled()))
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

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
