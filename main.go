package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"careline/config"
	"careline/logger"
	"careline/middleware/security"
	"careline/module/chat/checkpoint"
	"careline/module/chat/log"
	"careline/module/chat/pairing"
	"careline/service/chat"
	"careline/service/events"
	"careline/service/mgo"
	"careline/service/notify"
	redisx "careline/service/storage/redis"
	"careline/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfgPath := flag.String("config", "careline.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Errorf("[boot] config load failed: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.Server.NodeID)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer bootCancel()

	if err := mgo.Init(bootCtx, cfg.Mongo); err != nil {
		logger.Errorf("[boot] mongo init failed: %v", err)
		os.Exit(1)
	}
	if err := redisx.Init(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Errorf("[boot] redis init failed: %v", err)
		os.Exit(1)
	}

	db := mgo.GetDB()
	logStore := log.NewStore(db, cfg.Mongo.OpTimeout)
	cpStore := checkpoint.NewStore(db, cfg.Mongo.OpTimeout)
	pairSvc := pairing.NewService(db, cfg.Mongo.OpTimeout)
	if err := logStore.EnsureIndexes(bootCtx); err != nil {
		logger.Errorf("[boot] log indexes failed: %v", err)
		os.Exit(1)
	}
	if err := cpStore.EnsureIndexes(bootCtx); err != nil {
		logger.Errorf("[boot] checkpoint indexes failed: %v", err)
		os.Exit(1)
	}

	// NATS carries the cross-gateway relay and the offline notify sink. A
	// single node can run without it; fan-out then stays local-only.
	var (
		nc       *nats.Conn
		relay    *chat.NatsRelay
		notifier notify.Notifier = notify.NopNotifier{}
		mirror   chat.Mirror     = chat.RedisMirror{}
	)
	nc, err = nats.Connect(cfg.Nats.URL,
		nats.Name("careline-"+cfg.Server.GatewayID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Errorf("[boot] nats unavailable, running local-only: %v", err)
	} else {
		relay = chat.NewNatsRelay(nc, cfg.Nats.RelayPrefix, cfg.Server.GatewayID)
		notifier = notify.NewNatsNotifier(nc, cfg.Nats.NotifySubject)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.PersistedTopic)
		if err != nil {
			logger.Errorf("[boot] kafka producer failed, events disabled: %v", err)
		} else {
			publisher = kp
			defer kp.Close()
		}
	}

	registry := chat.NewRegistry()
	fanout := chat.NewFanout(runtime.NumCPU(), cfg.Session.SendQueueSize)
	router := &chat.Router{
		GatewayID:   cfg.Server.GatewayID,
		Log:         logStore,
		Checkpoints: cpStore,
		Pairing:     pairSvc,
		Registry:    registry,
		Fanout:      fanout,
		Notifier:    notifier,
		Events:      publisher,
		Mirror:      mirror,
	}
	if relay != nil {
		router.Relay = relay
		if err := relay.Start(router.DeliverLocal); err != nil {
			logger.Errorf("[boot] relay subscribe failed: %v", err)
			os.Exit(1)
		}
	}
	replay := chat.NewReplayManager(logStore, cpStore, cfg.Replay.ChunkSize)
	server := chat.NewServer(cfg.Session, router, replay, mirror)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", security.Middleware(cfg.Auth), server.HandleWS)

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: engine}
	go func() {
		logger.Infof("[boot] gateway %s listening on %s", cfg.Server.GatewayID, cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[boot] listen failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("[boot] shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()

	for _, s := range registry.All() {
		s.Close(chat.ReasonShutdown)
	}
	if relay != nil {
		relay.Stop()
	}
	_ = httpSrv.Shutdown(shutCtx)
	if nc != nil {
		nc.Close()
	}
	_ = redisx.Close()
	_ = mgo.Close(shutCtx)
	logger.Sync()
}
