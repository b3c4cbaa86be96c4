package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"

	"github.com/docrelay/docrelay/pkg/config"
	"github.com/docrelay/docrelay/pkg/relay"
	"github.com/docrelay/docrelay/pkg/snapshotsrv"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	configVar := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}

	slog.Info("Opening database", "path", cfg.DatabasePath)
	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := snapshotsrv.NewStore(db)
	if err := store.Init(); err != nil {
		return err
	}
	rly := relay.New(db)
	if err := rly.Init(); err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(snapshotsrv.LoggingMiddleware)
	snapshotsrv.NewService(store, cfg.SaveRate, cfg.SaveBurst).Register(r)
	rly.Register(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rly.BackupLoop(ctx, cfg.BackupInterval)
	}()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}
