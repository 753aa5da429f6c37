package transport

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apq-labscript/runcoord/pkg/wire"
)

func startFanIn(t *testing.T) (*FanIn, string) {
	t.Helper()
	f := NewFanIn(":0", nil)
	go func() {
		_ = f.Serve()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})

	deadline := time.Now().Add(time.Second)
	for f.ListenAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("fan-in never bound a listener")
		}
		time.Sleep(time.Millisecond)
	}
	addr := f.ListenAddr()
	return f, "ws://" + addr + "/"
}

func TestFanInDeliversMessages(t *testing.T) {
	f, url := startFanIn(t)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, wire.HelloMsg("d1").Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-f.Inbox():
		if msg.Kind != wire.Hello || msg.Name() != "d1" {
			t.Fatalf("got %+v, want hello d1", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbox message")
	}
}

func TestFanInMultiplexesManyConnections(t *testing.T) {
	f, url := startFanIn(t)
	dialer := websocket.Dialer{}

	names := []string{"d1", "d2", "d3"}
	for _, name := range names {
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, wire.HelloMsg(name).Bytes()); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < len(names); i++ {
		select {
		case msg := <-f.Inbox():
			seen[msg.Name()] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	for _, name := range names {
		if !seen[name] {
			t.Fatalf("never saw hello from %s", name)
		}
	}
}

func TestFanInUpgradeRejectsPlainGet(t *testing.T) {
	_, url := startFanIn(t)
	httpURL := "http://" + strings.TrimPrefix(strings.TrimSuffix(url, "/"), "ws://")
	resp, err := http.Get(httpURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("expected non-websocket GET to fail the upgrade")
	}
}
