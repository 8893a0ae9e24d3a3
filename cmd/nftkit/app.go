package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/config"
	"github.com/rotki/nftkit/ethproviders"
	"github.com/rotki/nftkit/imageproxy"
	"github.com/rotki/nftkit/sponsorship"
	"github.com/rotki/nftkit/util"
	"github.com/spf13/cobra"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg         *config.Config
	log         *slog.Logger
	cache       *cache.Cache
	client      *http.Client
	providers   *ethproviders.Providers
	sponsorship *sponsorship.Service
	images      *imageproxy.Proxy
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := loadEnv(cmd); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("NFTKIT_CONFIG")
	}
	return config.Load(path)
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}

	c, err := cfg.OpenCache(log.With(slog.String("component", "cache")))
	if err != nil {
		return nil, err
	}

	client := util.NewHTTPClient(cfg.Upstream.Timeout, cfg.Upstream.UserAgent)

	providers, err := ethproviders.NewProviders(cfg.Chains,
		ethproviders.WithDialer(ethproviders.DefaultDialer(client)),
		ethproviders.WithLogger(log.With(slog.String("component", "ethproviders"))))
	if err != nil {
		c.Close()
		return nil, err
	}

	svc, err := sponsorship.NewService(cfg.SponsorshipOptions(log.With(slog.String("component", "sponsorship"))), c, providers, client)
	if err != nil {
		c.Close()
		return nil, err
	}

	images, err := imageproxy.New(cfg.ImageOptions(log.With(slog.String("component", "imageproxy"))), c, client)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		log:         log,
		cache:       c,
		client:      client,
		providers:   providers,
		sponsorship: svc,
		images:      images,
	}, nil
}

func (a *app) Close() error {
	return a.cache.Close()
}
