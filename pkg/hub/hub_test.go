package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/linecheck/linecheck/internal/log"
)

type fakeConn struct {
	mu      sync.Mutex
	written []Message
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(t int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t == websocket.TextMessage || t == websocket.BinaryMessage {
		f.written = append(f.written, Message{Frame: t, Data: data})
	}
	return nil
}

func (f *fakeConn) Written() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.written...)
}

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := New("test", append([]Option{WithLogger(log.Discard())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	h := startHub(t)

	a, b := newFakeConn(), newFakeConn()
	go NewClient(h, a).Run()
	go NewClient(h, b).Run()
	eventually(t, "two clients", func() bool { return h.ClientCount() == 2 })

	if err := h.BroadcastJSON(map[string]int{"good": 3}); err != nil {
		t.Fatalf("BroadcastJSON failed: %v", err)
	}
	h.BroadcastBinary([]byte{0xff, 0xd8})

	for _, c := range []*fakeConn{a, b} {
		eventually(t, "two messages", func() bool { return len(c.Written()) == 2 })
		msgs := c.Written()
		if msgs[0].Frame != websocket.TextMessage || string(msgs[0].Data) != `{"good":3}` {
			t.Errorf("first message = %d %s, want text {\"good\":3}", msgs[0].Frame, msgs[0].Data)
		}
		if msgs[1].Frame != websocket.BinaryMessage {
			t.Errorf("second message frame = %d, want binary", msgs[1].Frame)
		}
	}
}

func TestHub_ReplaysLastMessage(t *testing.T) {
	h := startHub(t, WithReplay())

	h.BroadcastJSON(map[string]string{"verdict": "good"})
	eventually(t, "broadcast drained", func() bool { return len(h.broadcast) == 0 })

	late := newFakeConn()
	go NewClient(h, late).Run()

	eventually(t, "replay", func() bool { return len(late.Written()) == 1 })
	if got := string(late.Written()[0].Data); got != `{"verdict":"good"}` {
		t.Errorf("replayed %s", got)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h := startHub(t)

	c := newFakeConn()
	go NewClient(h, c).Run()
	eventually(t, "client registered", func() bool { return h.ClientCount() == 1 })

	c.Close()
	eventually(t, "client removed", func() bool { return h.ClientCount() == 0 })
}

func TestHub_StopClosesClients(t *testing.T) {
	h := New("test", WithLogger(log.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := newFakeConn()
	go NewClient(h, c).Run()
	eventually(t, "client registered", func() bool { return h.ClientCount() == 1 })

	cancel()
	<-h.Done()
	if h.IsRunning() {
		t.Error("hub still running after stop")
	}
	if NewClient(h, newFakeConn()) != nil {
		t.Error("NewClient on a stopped hub should return nil")
	}

	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after hub stop")
	}
}
