// Package app wires the reactor and its collaborators into a
// runnable process, including signal-triggered graceful shutdown:
// awaitSignal calls Reactor.Shutdown and Run waits for the event
// loop to unwind cleanly instead of exiting the process directly.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullsock/tinyserver/config"
	"github.com/nullsock/tinyserver/core/observability"
	"github.com/nullsock/tinyserver/core/server"
	"github.com/nullsock/tinyserver/core/sqlpool"
	"github.com/nullsock/tinyserver/logger"
)

// App owns the reactor and the collaborators it was built from.
type App struct {
	cfg     *config.Config
	log     *logger.AsyncLogger
	sqlPool *sqlpool.Pool
	reactor *server.Reactor
}

// New creates an App from cfg, opening the logger and, if SQLHost is
// set, the SQL connection pool. Callers must call Close when done.
func New(cfg *config.Config) (*App, error) {
	var log *logger.AsyncLogger
	if cfg.OpenLog {
		log = logger.New(os.Stdout, logger.Level(cfg.LogLevel), cfg.LogQueueSize)
	} else {
		log = logger.New(os.Stdout, logger.LevelError+1, cfg.LogQueueSize) // effectively silent
	}

	accessOut := os.Stdout
	if cfg.AccessLogPath != "" {
		f, err := os.OpenFile(cfg.AccessLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("app: open access log: %w", err)
		}
		accessOut = f
	}
	access := observability.New(logger.New(accessOut, logger.LevelInfo, cfg.LogQueueSize))

	var pool *sqlpool.Pool
	if cfg.SQLHost != "" {
		p, err := sqlpool.Open(sqlpool.Config{
			Host:         cfg.SQLHost,
			Port:         cfg.SQLPort,
			User:         cfg.SQLUser,
			Password:     cfg.SQLPassword,
			DBName:       cfg.DBName,
			ConnPoolSize: cfg.ConnPoolSize,
		})
		if err != nil {
			log.Log(logger.LevelWarn, "SQL pool unavailable, /login and /register will fail soft: %v", err)
		} else {
			pool = p
		}
	}

	reactor := server.New(cfg, log, access, pool)

	return &App{cfg: cfg, log: log, sqlPool: pool, reactor: reactor}, nil
}

// Run starts the reactor and blocks until a SIGINT/SIGTERM triggers a
// graceful shutdown or the reactor exits on its own (bind/listen
// failure). It returns the error Reactor.Start produced, if any.
func (a *App) Run() error {
	go a.awaitSignal()

	err := a.reactor.Start()
	a.Close()
	return err
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Log(logger.LevelInfo, "signal received: %v, shutting down", sig)
	a.reactor.Shutdown()
}

// Close releases the SQL pool and flushes the logger. Safe to call
// after Run returns; Run calls it itself on the way out.
func (a *App) Close() {
	if a.sqlPool != nil {
		a.sqlPool.Close()
	}
	a.log.Close()
}
