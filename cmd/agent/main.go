package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/pechorka/junction-agent/internal/agent"
	"github.com/pechorka/junction-agent/internal/cloud"
	"github.com/pechorka/junction-agent/internal/config"
	"github.com/pechorka/junction-agent/internal/status"
	"github.com/pechorka/junction-agent/internal/storage"
	"github.com/pechorka/junction-agent/internal/tokens"
	"github.com/pechorka/junction-agent/pkg/deviceid"
	"github.com/pechorka/junction-agent/pkg/logging"
	"github.com/pechorka/junction-agent/pkg/sysstats"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	timing := cfg.Timing()

	log := logging.New(cfg.LogLevel)
	if cfg.Accelerated {
		log.Warn("accelerated timing profile is active, not for production")
	}

	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cloudCli := cloud.NewClient(cloud.Config{
		BaseURL: cfg.CloudURL,
		Timeout: timing.HTTPTimeout,
		Log:     log,
	})

	manager := tokens.NewManager(tokens.Config{
		Cloud:    cloudCli,
		Store:    store,
		Timing:   timing,
		DeviceID: deviceid.DeviceID(),
		Log:      log,
	})

	credentials := make(chan string, 1)
	go agent.ReadCredentials(os.Stdin, credentials, log)
	if cfg.CredentialFile != "" {
		watcher, err := agent.WatchCredentialFile(cfg.CredentialFile, credentials, log)
		if err != nil {
			return errors.Wrap(err, "watching credential file")
		}
		defer watcher.Close()
	}

	a := agent.New(agent.Config{
		Tokens:      manager,
		Reporter:    cloudCli,
		Stats:       sysstats.NewCollector(sysstats.Config{Log: log}),
		Credentials: credentials,
		Timing:      timing,
		Log:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: status.NewServer(manager, a, log).Router(),
		}
		go func() {
			log.WithField("addr", cfg.StatusAddr).Info("status endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("status endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-terminate
		cancel()
	}()

	if !manager.Registered() {
		log.Info("paste the registration credential (JSON) and press enter")
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
