package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
)

// sinks 對戰紀錄相關的外部連線，關機時依序釋放
type sinks struct {
	recorders []history.Recorder
	recent    history.RecentReader
	closers   []func()
}

func (s *sinks) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildSinks 依配置連接對戰紀錄後端
func buildSinks(ctx context.Context, config *internal.Config, logger *slog.Logger) (*sinks, error) {
	s := &sinks{}

	switch config.History.Driver {
	case "postgres":
		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
		if err != nil {
			return s, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = config.Postgres.MaxConns
		pgConfig.MinConns = config.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return s, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return s, fmt.Errorf("ping postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)

		store := history.NewPostgresStore(pool, logger)
		s.recorders = append(s.recorders, store)
		s.recent = store

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		clientOptions := options.Client().ApplyURI(config.Mongo.URL)
		clientOptions.SetMinPoolSize(config.Mongo.MinPoolSize)
		clientOptions.SetMaxPoolSize(config.Mongo.MaxPoolSize)

		client, err := mongo.Connect(connectCtx, clientOptions)
		if err != nil {
			return s, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return s, fmt.Errorf("ping mongo: %w", err)
		}
		s.closers = append(s.closers, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("關閉 mongo 連線失敗", "error", err)
			}
		})

		s.recorders = append(s.recorders, history.NewMongoStore(client.Database(config.Mongo.Database), logger))
	}

	if config.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return s, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })

		// 最近對戰優先從 Redis 讀取
		store := history.NewRedisStore(client, config.Redis.RecentLimit, logger)
		s.recorders = append(s.recorders, store)
		s.recent = store
	}

	if config.NATS.URL != "" {
		nc, err := nats.Connect(config.NATS.URL, nats.Name("lobby"))
		if err != nil {
			return s, fmt.Errorf("connect nats: %w", err)
		}
		s.closers = append(s.closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})

		s.recorders = append(s.recorders, history.NewNATSPublisher(nc, config.NATS.Subject))
	}

	return s, nil
}

// serve 組裝所有元件並阻塞直到收到關閉信號
func serve(ctx context.Context, config *internal.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backends, err := buildSinks(ctx, config, logger)
	defer backends.close()
	if err != nil {
		return err
	}

	var next history.Recorder = history.Nop{}
	if len(backends.recorders) > 0 {
		next = history.Multi(backends.recorders)
	}
	recorder := history.NewAsync(next, config.History.QueueSize, config.History.Timeout, logger)

	sessions, err := session.NewService(session.Config{
		Secret:     config.Session.Secret,
		SessionTTL: config.Session.TTL,
		TicketTTL:  config.Session.TicketTTL,
	}, session.NewVerifier(config.Session.SignatureSecret))
	if err != nil {
		return fmt.Errorf("create session service: %w", err)
	}
	defer sessions.Close()

	settings := config.RoomSettings()
	settings.Recorder = recorder

	// 創建房間管理器
	manager := internal.NewManager(settings, logger)

	// 創建 HTTP 處理器
	handler := internal.NewHandler(manager, sessions, backends.recent, logger)

	// 創建 WebSocket Hub
	wsHub := internal.NewWebSocketHub(manager, sessions, config.HubConfig(), logger)

	// 設置路由
	mux := http.NewServeMux()

	// HTTP API 路由
	mux.Handle("/", handler.Routes())

	// WebSocket 路由
	mux.HandleFunc("GET /ws/rooms/{room_id}", wsHub.ServeWS)

	if config.Debug.Statsviz {
		if err := statsviz.Register(mux); err != nil {
			return fmt.Errorf("register statsviz: %w", err)
		}
		logger.Info("啟動監控", "url", fmt.Sprintf("http://localhost:%d/debug/statsviz/", config.Server.Port))
	}

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	logger.Info("大廳服務器啟動",
		"port", config.Server.Port,
		"history_driver", config.History.Driver,
		"redis", config.Redis.Enabled,
		"nats", config.NATS.URL != "")

	// 等待中斷信號
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	// 先斷開所有玩家，再停止房間與紀錄器，讓最後一批對戰紀錄寫完
	return run(server, shutdown, func() {
		wsHub.Stop()
		manager.Stop()
		recorder.Stop()
	}, logger)
}

// run 啟動服務器並阻塞到收到信號或服務器失敗，兩種情況都會執行 stop
func run(server *http.Server, shutdown <-chan os.Signal, stop func(), logger *slog.Logger) error {
	defer func() {
		stop()
		logger.Info("服務器已關閉")
	}()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-shutdown:
		logger.Info("收到關閉信號，開始優雅關閉...", "signal", sig)
	}

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("強制關閉失敗", "error", closeErr)
		}
	}

	return nil
}
