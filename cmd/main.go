package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/backend/internal/api/handler"
	"roomchat/backend/internal/auth"
	"roomchat/backend/internal/catchup"
	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/logging"
	"roomchat/backend/internal/notify"
	"roomchat/backend/internal/pipeline"
	"roomchat/backend/internal/relay"
	"roomchat/backend/internal/richtext"
	"roomchat/backend/internal/search"
	"roomchat/backend/internal/serializer"
	"roomchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// setupStorage opens the configured store and the room directory in front
// of it. The redis client is nil when REDIS_URL is unset.
func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Store, storage.RoomDirectory, *redis.Client, error) {
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		rdb = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, err
		}
	}

	if cfg.StorageDriver == "memory" {
		log.Warn().Msg("using in-memory storage, messages are lost on restart")
		return storage.NewMemoryStore(nil), storage.OpenDirectory{}, rdb, nil
	}

	db, err := storage.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return nil, nil, nil, err
	}

	var dir storage.RoomDirectory = &storage.GormDirectory{DB: db}
	if rdb != nil {
		dir = storage.NewCachedDirectory(dir, rdb, cfg.MembershipCacheTTL, log)
	}
	log.Info().Msg("database connection established, migrations complete")
	return storage.NewStorageService(db), dir, rdb, nil
}

func setupNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	if cfg.TelegramBotToken == "" {
		return notify.LogNotifier{Log: log}
	}
	n, err := notify.NewTelegramNotifier(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error().Err(err).Msg("telegram notifier unavailable, falling back to log")
		return notify.LogNotifier{Log: log}
	}
	return n
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log.Info().Str("env", cfg.Env).Str("node_id", cfg.NodeID).Msg("starting roomchat backend")

	store, dir, rdb, err := setupStorage(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("storage setup failed")
	}

	ser := serializer.New(store, serializer.Options{
		QueueSize:     cfg.WriteQueueSize,
		SubmitTimeout: cfg.SubmitTimeout,
	}, log)
	sync := search.NewSynchronizer(search.NewIndex(), store, cfg.CommitLaneSize, log)
	hub := chathub.NewManagerService(dir, catchup.New(store, cfg.ReaderPoolSize, cfg.MaxCatchupMessages, log), chathub.Options{
		MaxPendingEvents:      cfg.MaxPendingEvents,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		PresenceSweepInterval: cfg.PresenceSweepInterval,
		TypingTTL:             cfg.TypingTTL,
		TypingSweepInterval:   cfg.TypingSweepInterval,
	}, log)

	var rel *relay.Relay
	deps := pipeline.Deps{
		Store:       store,
		Writer:      ser,
		Sanitizer:   richtext.NewSanitizer(cfg.MaxBodyLength),
		Broadcaster: hub,
		Indexer:     sync,
		Notifier:    setupNotifier(cfg, log),
		LaneSize:    cfg.CommitLaneSize,
	}
	if cfg.RelayEnabled {
		rel = relay.New(rdb, cfg.RelayChannel, cfg.NodeID, sync, log)
		deps.Publisher = rel
	}
	pipe := pipeline.New(deps, log)
	ser.OnCommit(pipe.OnCommit)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := sync.Rebuild(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("search index build failed")
	}
	log.Info().Int("documents", n).Msg("search index ready")

	hubCtx, stopHub := context.WithCancel(context.Background())
	syncCtx, stopSync := context.WithCancel(context.Background())
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	pipeDone := make(chan struct{})

	go hub.Run(hubCtx)
	go func() {
		sync.Run(syncCtx)
		close(syncDone)
	}()
	go func() {
		pipe.Run(pipeCtx)
		close(pipeDone)
	}()
	ser.Start()

	if rel != nil {
		go func() {
			if err := rel.Run(hubCtx, hub); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	tokens := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
	h := handler.NewHandler(handler.Deps{
		Hub:            hub,
		Messages:       pipe,
		Search:         sync,
		Store:          store,
		Directory:      dir,
		Auth:           tokens,
		Issuer:         tokens,
		OutboundBuffer: cfg.OutboundBuffer,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	}, log)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        h.Router(cfg.IsDevelopment()),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	ser.Close()
	stopPipe()
	<-pipeDone
	stopHub()
	<-hub.Done()
	stopSync()
	<-syncDone
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("stopped")
}
