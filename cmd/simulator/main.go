package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/config"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/db"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/httpapi"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/logging"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/notifier"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/presence"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/repo"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/services"
	"github.com/virta-ltd/virtual-ocpp-j-server/internal/session"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	log := logging.Component(logger, "simulator")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer d.Close()
	if err := d.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to prepare schema")
	}

	stations := repo.NewStationsRepo(d.Pool, repo.StationDefaults{
		IdentityName:     cfg.DefaultIdentityName,
		CentralSystemURL: cfg.DefaultCentralSystemURL,
		Vendor:           cfg.DefaultVendor,
		Model:            cfg.DefaultModel,
		ChargingPower:    cfg.DefaultChargingPower,
	})
	operations := repo.NewOperationsRepo(d.Pool)

	var opts []services.SessionManagerOption

	var bus *notifier.Notifier
	if cfg.NatsURL != "" {
		bus, err = notifier.Connect(cfg.NatsURL, cfg.NatsSubjectPrefix, logging.Component(logger, "notifier"))
		if err != nil {
			log.WithError(err).Fatal("failed to connect to nats")
		}
		opts = append(opts, services.WithPublisher(bus))
	}

	if cfg.RedisAddr != "" {
		rdb, err := presence.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer rdb.Close()
		store := presence.New(rdb, cfg.PresencePrefix, cfg.PresenceTTL)
		log.WithField("instance", store.InstanceID()).Info("presence enabled")
		opts = append(opts, services.WithPresence(store))
	}

	manager := services.NewSessionManager(services.NewSessionManagerConfig(cfg), stations, session.NewRegistry(),
		logging.Component(logger, "session"), opts...)
	svc := services.NewStationsService(stations, operations, manager, logging.Component(logger, "stations"))

	if bus != nil {
		if err := bus.Serve(svc); err != nil {
			log.WithError(err).Fatal("failed to serve operation requests")
		}
		defer bus.Close()
	}

	go func() {
		n, err := svc.ConnectAll(context.Background())
		if err != nil {
			log.WithError(err).Error("failed to connect stations")
			return
		}
		log.Infof("connected %d stations", n)
	}()

	srv := httpapi.NewServer(cfg.APIKey, svc, manager, logging.Component(logger, "http"))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("simulator listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpServer.Shutdown(ctx2)
	log.Infof("closing %d sessions", manager.Count())
	manager.CloseAll(ctx2, websocket.CloseGoingAway, "simulator shutting down")
	log.Info("simulator shutdown complete")
}
