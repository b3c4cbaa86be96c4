// Package relay hosts the authoritative replica per document and fans sync
// frames out to every connected client over websockets. Documents are loaded
// from and periodically backed up to sqlite.
package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/docrelay/docrelay/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Relay owns one authoritative doc per document id.
type Relay struct {
	database *sql.DB
	cacheMu  sync.Mutex
	cache    map[string]*docHandle
}

type docHandle struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	subs  map[chan []byte]struct{}
	dirty bool
}

func New(database *sql.DB) *Relay {
	return &Relay{database: database, cache: make(map[string]*docHandle)}
}

func (r *Relay) Init() error {
	if _, err := r.database.Exec(
		`CREATE TABLE IF NOT EXISTS relay_docs (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		return err
	}
	return nil
}

func (r *Relay) Register(router *mux.Router) {
	router.Methods(http.MethodGet).Path("/documents/{document}/sync").HandlerFunc(r.handleSync)
	router.Methods(http.MethodGet).Path("/documents/{document}/latest").HandlerFunc(r.handleLatest)
}

// BackupLoop persists dirty docs on a ticker until the context is cancelled.
func (r *Relay) BackupLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.backupAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) backupAll(ctx context.Context) {
	r.cacheMu.Lock()
	handles := make(map[string]*docHandle, len(r.cache))
	for id, h := range r.cache {
		handles[id] = h
	}
	r.cacheMu.Unlock()

	for id, h := range handles {
		h.mu.Lock()
		if !h.dirty {
			h.mu.Unlock()
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(h.doc.Save())
		h.dirty = false
		h.mu.Unlock()
		if _, err := r.database.ExecContext(ctx,
			`INSERT INTO relay_docs (id, content) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET content = excluded.content`,
			id, encoded,
		); err != nil {
			slog.Error("failed to backup doc in database", "document", id, "err", err)
		} else {
			slog.Info("backed up", "document", id)
		}
	}
}

func (r *Relay) getOrLoad(ctx context.Context, documentID string) (*docHandle, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if h, ok := r.cache[documentID]; ok {
		return h, nil
	}

	var rawContent string
	err := r.database.QueryRowContext(ctx, `SELECT content FROM relay_docs WHERE id = ?`, documentID).Scan(&rawContent)
	var doc *automerge.Doc
	if errors.Is(err, sql.ErrNoRows) {
		doc = automerge.New()
	} else if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	} else {
		raw, err := base64.StdEncoding.DecodeString(rawContent)
		if err != nil {
			return nil, fmt.Errorf("failed to decode: %w", err)
		}
		if doc, err = automerge.Load(raw); err != nil {
			return nil, fmt.Errorf("failed to load doc: %w", err)
		}
	}
	h := &docHandle{doc: doc, subs: make(map[chan []byte]struct{})}
	r.cache[documentID] = h
	return h, nil
}

// handleLatest serves the full doc save, useful for debugging and for
// cmd/history dumps.
func (r *Relay) handleLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	h, err := r.getOrLoad(request.Context(), vars["document"])
	if err != nil {
		slog.Error("failed to load doc", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.mu.Lock()
	raw := h.doc.Save()
	h.mu.Unlock()
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (r *Relay) handleSync(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	documentID := vars["document"]
	h, err := r.getOrLoad(request.Context(), documentID)
	if err != nil {
		slog.Error("failed to load doc", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	if err := writeControl(conn, transport.ControlFrame{Type: transport.ControlConnected}); err != nil {
		return
	}
	h.mu.Lock()
	changes, err := h.doc.Changes()
	h.mu.Unlock()
	if err == nil && len(changes) == 0 {
		// explicit no-history signal so fresh clients don't have to burn
		// their bootstrap timeout
		if err := writeControl(conn, transport.ControlFrame{Type: transport.ControlNoHistory}); err != nil {
			return
		}
	}

	h.mu.Lock()
	syncState := automerge.NewSyncState(h.doc)
	sub := make(chan []byte, 16)
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	if err := r.sync(request.Context(), conn, h, syncState, sub); err != nil {
		slog.Error("failed to sync", "document", documentID, "err", err)
	}
}

// sync runs the two pump goroutines for one connection, in the same shape as
// the client side: reads merge into the shared doc, writes flush generated
// messages on a short ticker.
func (r *Relay) sync(ctx context.Context, conn *websocket.Conn, h *docHandle, syncState *automerge.SyncState, sub chan []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				h.mu.Lock()
				_, err := syncState.ReceiveMessage(p)
				if err == nil {
					h.dirty = true
				}
				h.mu.Unlock()
				if err != nil {
					slog.Error("failed to receive message", "err", err)
					return
				}
			case websocket.TextMessage:
				// presence and other control frames fan out to the other
				// subscribers untouched
				h.mu.Lock()
				for other := range h.subs {
					if other == sub {
						continue
					}
					select {
					case other <- p:
					default:
					}
				}
				h.mu.Unlock()
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		sentComplete := false
		flush := func() error {
			wrote := false
			for {
				h.mu.Lock()
				msg, valid := syncState.GenerateMessage()
				h.mu.Unlock()
				if msg == nil || !valid {
					break
				}
				wrote = true
				if err := conn.WriteMessage(websocket.BinaryMessage, msg.Bytes()); err != nil {
					return fmt.Errorf("failed to write message: %w", err)
				}
			}
			if !wrote && !sentComplete {
				sentComplete = true
				return writeControl(conn, transport.ControlFrame{Type: transport.ControlSyncComplete})
			}
			return nil
		}
		if err := flush(); err != nil {
			slog.Error(err.Error())
			return
		}
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := flush(); err != nil {
					slog.Error(err.Error())
					return
				}
			case raw := <-sub:
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return nil
}

func writeControl(conn *websocket.Conn, frame transport.ControlFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode control frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write control frame: %w", err)
	}
	return nil
}
