// Package transport implements the two unidirectional socket channels the
// run-coordination protocol needs: a many-to-one fan-in (participants ->
// coordinator, queueing, PULL-like) and a one-to-many fan-out (coordinator
// -> participants, publish-subscribe, PUB-like). Both ride on
// gorilla/websocket connections upgraded from a chi-routed HTTP server.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/apq-labscript/runcoord/pkg/obslog"
	"github.com/apq-labscript/runcoord/pkg/wire"
)

var faninUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboxBuffer approximates an unbounded inbound queue; a real Go channel
// must have some capacity, so this is sized generously rather than
// literally unbounded.
const inboxBuffer = 4096

// FanIn is the many-to-one inbound channel: every connected participant's
// messages are multiplexed onto a single ordered stream read by the
// coordinator's event loop.
type FanIn struct {
	addr   string
	srv    *http.Server
	ln     net.Listener
	inbox  chan wire.Message
	log    *obslog.Logger
	mu     sync.Mutex
	closed bool
}

// NewFanIn creates a fan-in listener bound to addr (e.g. ":43227"). Call
// Serve to accept connections and ListenAddr to discover the bound port
// when addr uses ":0".
func NewFanIn(addr string, log *obslog.Logger) *FanIn {
	if log == nil {
		log = obslog.Discard()
	}
	f := &FanIn{addr: addr, inbox: make(chan wire.Message, inboxBuffer), log: log}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/", f.handle)
	f.srv = &http.Server{Handler: router}
	return f
}

// Inbox returns the channel the coordinator drains each loop iteration.
func (f *FanIn) Inbox() <-chan wire.Message { return f.inbox }

// Serve starts accepting connections. It blocks until the listener is
// closed via Close.
func (f *FanIn) Serve() error {
	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("transport: fan-in listen on %s: %w", f.addr, err)
	}
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	if err := f.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: fan-in serve: %w", err)
	}
	return nil
}

// ListenAddr reports the bound address; useful in tests that bind ":0".
func (f *FanIn) ListenAddr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return ""
	}
	return f.ln.Addr().String()
}

// Close tears down the listener and HTTP server.
func (f *FanIn) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.srv.Shutdown(ctx)
}

func (f *FanIn) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := faninUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warning().Err(err).Log("fan-in upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := wire.Parse(data)
		if msg.Kind == "" {
			continue
		}
		select {
		case f.inbox <- msg:
		default:
			// Inbox saturated: the coordinator loop has fallen far behind.
			// Dropping here would violate the no-loss contract, so block
			// until the loop makes room rather than silently discard.
			f.inbox <- msg
		}
	}
}
