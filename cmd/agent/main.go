package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/docrelay/docrelay/pkg/autosave"
	"github.com/docrelay/docrelay/pkg/config"
	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/engine"
	"github.com/docrelay/docrelay/pkg/session"
	"github.com/docrelay/docrelay/pkg/snapshot"
)

// A headless editing agent: opens a session and types into it on a timer.
// Handy for exercising sync, autosave and bootstrap against a running
// snapshotd.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	configVar := flag.String("config", "", "path to the config file")
	documentVar := flag.String("document", "default", "the document to edit")
	authorVar := flag.String("author", "agent", "the author name for snapshot writes")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.Open(ctx, session.Params{
		Config:     cfg,
		DocumentID: *documentVar,
		Author:     *authorVar,
		OnConflict: func(c snapshot.Conflict) {
			slog.Info("conflict surfaced, accepting remote", "latest", c.LatestVersion, "base", c.YourBaseVersion)
		},
		OnSaveState: func(st autosave.State) {
			slog.Info("save state", "state", st)
		},
		OnPresence: func(clientID, status string) {
			slog.Info("presence", "client", clientID, "status", status)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	slog.Info("session open", "bootstrap", sess.BootstrapState(), "blocks", len(sess.Content().Blocks))
	sess.Presence("editing")

	go func() {
		for {
			t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
			select {
			case <-t.C:
				content := sess.Content()
				edit := engine.Edit(engine.InsertBlock{
					Index: len(content.Blocks),
					Block: document.Block{
						ID:   uuid.NewString(),
						Kind: "paragraph",
						Text: fmt.Sprintf("edit from %s at %s", *authorVar, time.Now().Format(time.RFC3339)),
					},
				})
				if len(content.Blocks) > 0 && rand.Intn(3) == 0 {
					edit = engine.SetBlockText{
						Index: rand.Intn(len(content.Blocks)),
						Text:  fmt.Sprintf("reworded by %s", *authorVar),
					}
				}
				if err := sess.Apply(edit); err != nil {
					slog.Error("failed to apply edit", "err", err)
				} else {
					slog.Info("applied edit", "blocks", len(sess.Content().Blocks))
				}
				if c := sess.PendingConflict(); c != nil {
					if err := sess.AcceptRemote(); err != nil {
						slog.Error("failed to resolve conflict", "err", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	sess.SaveNow()
	sess.WaitIdle(5 * time.Second)
	return nil
}
