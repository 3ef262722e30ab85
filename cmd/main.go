package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	"memberevents/cmd/buildcfg"
	"memberevents/internal/api/api"
	"memberevents/internal/contentstore"
	"memberevents/internal/mailer"
	"memberevents/internal/payment"
	"memberevents/internal/pickup"
	"memberevents/internal/pickupfeed"
	"memberevents/internal/pubsub"
	"memberevents/internal/repo"
	"memberevents/internal/service"
)

func main() {
	zlog.Init()
	log := zlog.Logger

	cfg := config.New()
	if err := cfg.Load("config.yaml", "", "'"); err != nil {
		log.Fatal().Msgf("failed to load configuration: %v", err)
	}
	serverCfg := buildcfg.BuildServerConfig(cfg, &log)

	masterDSN, slaveDSNs, poolOptions, err := buildcfg.BuildDBConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build DB config")
	}
	db, err := dbpg.New(masterDSN, slaveDSNs, poolOptions)
	if err != nil {
		log.Fatal().Msgf("failed to connect to DB: %v", err)
	}
	if err := db.Master.Ping(); err != nil {
		log.Fatal().Msgf("DB ping failed: %v", err)
	}
	log.Info().Msg("database connected")

	repository, err := repo.NewRepository(db, &log)
	if err != nil {
		log.Fatal().Msgf("failed to initialize repository: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot get working directory")
	}
	if err := repository.MigrateUp(filepath.Join(cwd, "migrations/postgres")); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("migrations applied")

	rabbitCfg, err := buildcfg.BuildRabbitConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load RabbitMQ config")
	}
	broker, err := pickupfeed.NewBroker(rabbitCfg.URL, rabbitCfg.Exchange)
	if err != nil {
		log.Fatal().Msgf("failed to connect to RabbitMQ: %v", err)
	}
	defer broker.Close()

	hub := pubsub.NewHub()
	readerCtx, cancelReader := context.WithCancel(context.Background())
	reader := pickupfeed.NewReader(broker, hub)
	go reader.Start(readerCtx)

	providerCfg, err := buildcfg.BuildProviderConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load payment provider config")
	}
	provider := payment.NewClient(providerCfg.APIURL, providerCfg.APIKey,
		providerCfg.PrivateKey, providerCfg.ReturnURL, providerCfg.NotifyURL, &log)

	smtpCfg := buildcfg.BuildSMTPConfig(cfg)
	mail := mailer.New(smtpCfg.Host, smtpCfg.Port, smtpCfg.From, smtpCfg.Pass, &log)

	contentCfg := buildcfg.BuildContentConfig(cfg)
	var cache *contentstore.Cache
	if contentCfg.RedisAddr != "" {
		cache = contentstore.NewCache(contentCfg.RedisAddr, contentCfg.CacheTTL, &log)
	}
	content := contentstore.NewClient(contentCfg.BaseURL, contentCfg.Token, cache, &log)

	regCfg := buildcfg.BuildRegistrationConfig(cfg)
	issuer := pickup.NewIssuer(&log)

	serviceInstance := service.NewService(repository, &log, provider, mail, broker, hub,
		content, issuer, service.Config{
			HoldWindow:      regCfg.HoldWindow,
			DefaultRoleUUID: regCfg.DefaultRoleUUID,
			ConfirmationURL: regCfg.ConfirmationURL,
		})
	app := api.NewRouters(&api.Routers{
		Service:       serviceInstance,
		AuthSecret:    serverCfg.AuthSecret,
		AdminRoleUUID: serverCfg.AdminRoleUUID,
	})

	srv := &http.Server{Addr: ":" + serverCfg.Port, Handler: app}
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info().Msgf("starting server on %s", serverCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("failed to start server: %w", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Msgf("received signal %s, shutting down", sig)
	case err := <-serverErrChan:
		log.Error().Msgf("server error: %v", err)
	}

	cancelReader()
	reader.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("error shutting down server: %v", err)
	}
	log.Info().Msg("shutdown complete")
}
