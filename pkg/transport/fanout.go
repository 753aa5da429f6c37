package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/apq-labscript/runcoord/pkg/obslog"
	"github.com/apq-labscript/runcoord/pkg/queue"
	"github.com/apq-labscript/runcoord/pkg/wire"
)

// writerPollInterval bounds how long a subscriber's writer goroutine waits
// between checking whether its connection has been torn down; it is not a
// delivery-latency knob (the queue.Queue's notify channel wakes the writer
// immediately on Broadcast).
const writerPollInterval = time.Second

var fanoutUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber is one connected participant's fan-out socket. out is an
// unbounded per-subscriber queue (same shape as pkg/queue's MPSC command
// queue): Broadcast's Enqueue never blocks and never drops, matching
// spec.md §5/§6's "no message is silently dropped within a connected
// session" — a fixed-capacity channel with a drop-on-full fallback would
// violate that for a momentarily slow reader. cancel tears down the
// subscriber's writer goroutine once the connection is gone.
type subscriber struct {
	conn   *websocket.Conn
	out    *queue.Queue[[]byte]
	cancel context.CancelFunc
}

// FanOut is the one-to-many broadcast channel: every message published is
// delivered, in order, to every participant connected at the time of
// publish. A publish-subscribe transport drops messages to subscribers who
// haven't connected yet; the coordinator compensates with the greet/hello
// retry handshake rather than this layer buffering history.
type FanOut struct {
	addr string
	srv  *http.Server
	ln   net.Listener
	log  *obslog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewFanOut creates a fan-out listener bound to addr (e.g. ":43228").
func NewFanOut(addr string, log *obslog.Logger) *FanOut {
	if log == nil {
		log = obslog.Discard()
	}
	fo := &FanOut{addr: addr, log: log, subs: make(map[*subscriber]struct{})}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/", fo.handle)
	fo.srv = &http.Server{Handler: router}
	return fo
}

// Serve starts accepting subscriber connections. Blocks until Close.
func (fo *FanOut) Serve() error {
	ln, err := net.Listen("tcp", fo.addr)
	if err != nil {
		return fmt.Errorf("transport: fan-out listen on %s: %w", fo.addr, err)
	}
	fo.mu.Lock()
	fo.ln = ln
	fo.mu.Unlock()

	if err := fo.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: fan-out serve: %w", err)
	}
	return nil
}

// ListenAddr reports the bound address; useful in tests that bind ":0".
func (fo *FanOut) ListenAddr() string {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	if fo.ln == nil {
		return ""
	}
	return fo.ln.Addr().String()
}

// Broadcast publishes msg to every currently-connected subscriber. Enqueue
// onto each subscriber's queue never blocks and never drops, even if that
// subscriber's writer goroutine has fallen behind.
func (fo *FanOut) Broadcast(msg wire.Message) {
	data := msg.Bytes()
	fo.mu.Lock()
	defer fo.mu.Unlock()
	for s := range fo.subs {
		s.out.Enqueue(data)
	}
}

// SubscriberCount reports how many participants are currently connected.
func (fo *FanOut) SubscriberCount() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return len(fo.subs)
}

// Close tears down the listener, HTTP server, and all subscriber sockets.
func (fo *FanOut) Close(ctx context.Context) error {
	fo.mu.Lock()
	for s := range fo.subs {
		s.cancel()
		s.conn.Close()
	}
	fo.subs = make(map[*subscriber]struct{})
	fo.mu.Unlock()
	return fo.srv.Shutdown(ctx)
}

func (fo *FanOut) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fanoutUpgrader.Upgrade(w, r, nil)
	if err != nil {
		fo.log.Warning().Err(err).Log("fan-out upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{conn: conn, out: queue.New[[]byte](), cancel: cancel}
	fo.mu.Lock()
	fo.subs[s] = struct{}{}
	fo.mu.Unlock()

	defer func() {
		fo.mu.Lock()
		delete(fo.subs, s)
		fo.mu.Unlock()
		cancel()
		conn.Close()
	}()

	// Subscribers don't send anything meaningful on this socket; read in the
	// background purely to notice disconnects (gorilla requires reads to
	// drive control-frame handling and detect a closed connection).
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				conn.Close()
				return
			}
		}
	}()

	for {
		s.out.Wait(ctx, writerPollInterval)
		for _, data := range s.out.DrainAll() {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
