package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/colonyrt/runtime/internal/messaging"
	"github.com/colonyrt/runtime/internal/orchestrator"
)

// WebSocketChannel implements messaging.Transport for out-of-process
// workers reached over a network hop rather than telegram or the
// in-process loopback. Each remote worker dials in and declares its
// address and role as query parameters; the connection is registered
// in the orchestrator's AgentDirectory as a non-local idle agent for
// the duration of the connection, so matchTaskToAgent can dispatch to
// it (funded, unlike an in-process spawn) the same as any other
// worker. Every inbound frame is handed to the Messenger's Deliver so
// a remote worker's task_result reaches the inbox the same way a
// locally spawned worker's does.
type WebSocketChannel struct {
	selfAddress string
	messenger   *messaging.Messenger
	directory   *orchestrator.AgentDirectory
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewWebSocketChannel(selfAddress string, messenger *messaging.Messenger, directory *orchestrator.AgentDirectory, logger *slog.Logger) *WebSocketChannel {
	return &WebSocketChannel{
		selfAddress: selfAddress,
		messenger:   messenger,
		directory:   directory,
		logger:      logger,
		conns:       make(map[string]*websocket.Conn),
	}
}

func (w *WebSocketChannel) Name() string { return "websocket" }

// Send implements messaging.Transport: to is the remote worker's
// address, established when it connected.
func (w *WebSocketChannel) Send(ctx context.Context, to string, payload []byte) error {
	w.mu.Lock()
	conn, ok := w.conns[to]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("websocket: no live connection for %q", to)
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// ListenAndServe accepts remote worker connections on addr until ctx is
// canceled.
func (w *WebSocketChannel) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(w.handleConn)}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *WebSocketChannel) handleConn(rw http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(rw, "missing address query parameter", http.StatusBadRequest)
		return
	}
	role := r.URL.Query().Get("role")

	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket: accept failed", "address", address, "error", err)
		return
	}
	w.mu.Lock()
	w.conns[address] = conn
	w.mu.Unlock()
	w.directory.Register(orchestrator.AgentRecord{Address: address, Role: role, Local: false})
	w.logger.Info("websocket: worker connected", "address", address, "role", role)

	defer func() {
		w.mu.Lock()
		delete(w.conns, address)
		w.mu.Unlock()
		w.directory.Unregister(address)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.logger.Info("websocket: worker disconnected", "address", address, "error", err)
			return
		}
		if err := w.messenger.Deliver(ctx, w.selfAddress, data); err != nil {
			w.logger.Warn("websocket: failed to enqueue inbound message", "address", address, "error", err)
		}
	}
}
