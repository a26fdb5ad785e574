package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory frame pipe driven by a scripted server
// goroutine.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case f.outbound <- data:
		return nil
	case <-f.closed:
		return errConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Recv() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errConnectionLost
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDial returns a DialFunc backed by a server goroutine that issues
// the challenge, accepts any connect request and hands every other
// request to the handler.
func fakeDial(handler func(req *Frame, send func(any))) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		ft := newFakeTransport()
		send := func(v any) {
			b, _ := json.Marshal(v)
			select {
			case ft.inbound <- b:
			case <-ft.closed:
			}
		}
		go func() {
			send(Frame{Type: frameEvent, Event: eventChallenge})
			for {
				select {
				case data := <-ft.outbound:
					var f Frame
					if json.Unmarshal(data, &f) != nil {
						continue
					}
					if f.Method == "connect" {
						send(Frame{Type: frameRes, ID: f.ID, OK: true})
						continue
					}
					if handler != nil {
						handler(&f, send)
					}
				case <-ft.closed:
					return
				}
			}
		}()
		return ft, nil
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshakeTimeout(t *testing.T) {
	// A transport that never issues the challenge.
	dial := func(ctx context.Context) (Transport, error) {
		return newFakeTransport(), nil
	}
	c := newTestClient(t, Config{
		Dial:             dial,
		HandshakeTimeout: 50 * time.Millisecond,
	})
	if err := c.Connect(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Connect: err = %v; want ErrHandshakeTimeout", err)
	}
}

func TestAuthRejected(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		ft := newFakeTransport()
		send := func(v any) {
			b, _ := json.Marshal(v)
			ft.inbound <- b
		}
		go func() {
			send(Frame{Type: frameEvent, Event: eventChallenge})
			data := <-ft.outbound
			var f Frame
			json.Unmarshal(data, &f)
			send(Frame{Type: frameRes, ID: f.ID, Error: &FrameError{Message: "bad token"}})
		}()
		return ft, nil
	}
	c := newTestClient(t, Config{Dial: dial})

	err := c.Connect(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect: err = %v; want AuthError", err)
	}
	if authErr.Message != "bad token" {
		t.Errorf("Message = %q; want bad token", authErr.Message)
	}
	if c.Connected() {
		t.Error("Connected() = true after auth rejection")
	}
}

func TestTurnStreaming(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method != "agent" {
			return
		}
		send(Frame{Type: frameRes, ID: req.ID, OK: true,
			Payload: []byte(`{"runId":"run-1","status":"accepted"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-1","stream":"text","data":"你好。"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-1","stream":"content","data":"世界。"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-1","stream":"tool","data":{"name":"calc"}}`)})
		send(Frame{Type: frameEvent, Event: eventChat,
			Payload: []byte(`{"state":"final","message":{"content":[{"type":"text","text":"ignored"}]}}`)})
	})
	c := newTestClient(t, Config{Dial: dial})

	var deltas []string
	got, err := c.StartTurn(context.Background(), "hi", func(s string) {
		deltas = append(deltas, s)
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "你好。世界。" {
		t.Errorf("text = %q; want 你好。世界。", got)
	}
	if len(deltas) != 2 || deltas[0] != "你好。" || deltas[1] != "世界。" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestTurnFinalOnly(t *testing.T) {
	// No streaming deltas; the final chat event body is the reply.
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method != "agent" {
			return
		}
		send(Frame{Type: frameRes, ID: req.ID, OK: true,
			Payload: []byte(`{"runId":"run-2","status":"accepted"}`)})
		send(Frame{Type: frameEvent, Event: eventChat,
			Payload: []byte(`{"done":true,"message":{"content":[{"type":"text","text":"complete reply"}]}}`)})
	})
	c := newTestClient(t, Config{Dial: dial})

	got, err := c.StartTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "complete reply" {
		t.Errorf("text = %q; want complete reply", got)
	}
}

func TestTurnLifecycleEnd(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method != "agent" {
			return
		}
		send(Frame{Type: frameRes, ID: req.ID, OK: true,
			Payload: []byte(`{"runId":"run-3","status":"accepted"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-3","stream":"text","data":"早安。"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-3","stream":"lifecycle","data":{"phase":"end"}}`)})
	})
	c := newTestClient(t, Config{Dial: dial})

	got, err := c.StartTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "早安。" {
		t.Errorf("text = %q; want 早安。", got)
	}
}

func TestTurnDirectResponse(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method == "agent" {
			send(Frame{Type: frameRes, ID: req.ID, OK: true,
				Payload: []byte(`{"text":"direct answer"}`)})
		}
	})
	c := newTestClient(t, Config{Dial: dial})

	got, err := c.StartTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "direct answer" {
		t.Errorf("text = %q; want direct answer", got)
	}
}

func TestTurnRejected(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method == "agent" {
			send(Frame{Type: frameRes, ID: req.ID,
				Error: &FrameError{Message: "overloaded"}})
		}
	})
	c := newTestClient(t, Config{Dial: dial})

	_, err := c.StartTurn(context.Background(), "hi", nil)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("StartTurn: err = %v; want TurnError", err)
	}
	if turnErr.Message != "overloaded" {
		t.Errorf("Message = %q; want overloaded", turnErr.Message)
	}
}

func TestTurnTimeoutWithPartialText(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method != "agent" {
			return
		}
		send(Frame{Type: frameRes, ID: req.ID, OK: true,
			Payload: []byte(`{"runId":"run-4","status":"accepted"}`)})
		send(Frame{Type: frameEvent, Event: eventAgent,
			Payload: []byte(`{"runId":"run-4","stream":"text","data":"部分回复"}`)})
		// Never terminates.
	})
	c := newTestClient(t, Config{Dial: dial, TurnTimeout: 100 * time.Millisecond})

	got, err := c.StartTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "部分回复" {
		t.Errorf("text = %q; want 部分回复", got)
	}
}

func TestTurnTimeoutWithoutText(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method == "agent" {
			send(Frame{Type: frameRes, ID: req.ID, OK: true,
				Payload: []byte(`{"runId":"run-5","status":"accepted"}`)})
		}
	})
	c := newTestClient(t, Config{Dial: dial, TurnTimeout: 100 * time.Millisecond})

	if _, err := c.StartTurn(context.Background(), "hi", nil); !errors.Is(err, ErrTurnTimeout) {
		t.Errorf("StartTurn: err = %v; want ErrTurnTimeout", err)
	}
}

func TestTurnNoContent(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method != "agent" {
			return
		}
		send(Frame{Type: frameRes, ID: req.ID, OK: true,
			Payload: []byte(`{"runId":"run-6","status":"accepted"}`)})
		send(Frame{Type: frameEvent, Event: eventChat,
			Payload: []byte(`{"state":"final"}`)})
	})
	c := newTestClient(t, Config{Dial: dial, NoContentReply: "nothing came back"})

	got, err := c.StartTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got != "nothing came back" {
		t.Errorf("text = %q; want nothing came back", got)
	}
}

func waitForRun(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.run.mu.Lock()
		id := c.run.id
		c.run.mu.Unlock()
		if id != "" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run id never recorded")
}

func TestAbort(t *testing.T) {
	var mu sync.Mutex
	var aborts []string

	dial := fakeDial(func(req *Frame, send func(any)) {
		switch req.Method {
		case "agent":
			send(Frame{Type: frameRes, ID: req.ID, OK: true,
				Payload: []byte(`{"runId":"run-7","status":"accepted"}`)})
			send(Frame{Type: frameEvent, Event: eventAgent,
				Payload: []byte(`{"runId":"run-7","stream":"text","data":"说到一半"}`)})
		case "agent.abort":
			var p AbortParams
			json.Unmarshal(req.Params, &p)
			mu.Lock()
			aborts = append(aborts, p.RunID)
			mu.Unlock()
			send(Frame{Type: frameRes, ID: req.ID, OK: true})
		}
	})
	c := newTestClient(t, Config{Dial: dial, AbortedReply: "stopped"})

	type result struct {
		text string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		text, err := c.StartTurn(context.Background(), "hi", nil)
		resCh <- result{text, err}
	}()

	waitForRun(t, c)
	// Let the delta land so the abort resolves with partial text.
	time.Sleep(20 * time.Millisecond)

	c.Abort(context.Background())
	c.Abort(context.Background()) // idempotent, no duplicate wire abort

	res := <-resCh
	if res.err != nil {
		t.Fatalf("StartTurn after abort: %v", res.err)
	}
	if res.text != "说到一半" {
		t.Errorf("text = %q; want 说到一半", res.text)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(aborts)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(aborts) != 1 || aborts[0] != "run-7" {
		t.Errorf("aborts = %v; want [run-7]", aborts)
	}
}

func TestAbortWithoutRun(t *testing.T) {
	c := newTestClient(t, Config{Dial: fakeDial(nil)})
	// No turn, no run id: must not dial or panic.
	c.Abort(context.Background())
}

func TestRequest(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		if req.Method == "status" {
			send(Frame{Type: frameRes, ID: req.ID, OK: true,
				Payload: []byte(`{"healthy":true}`)})
		}
	})
	c := newTestClient(t, Config{Dial: dial})

	payload, err := c.Request(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !out.Healthy {
		t.Error("healthy = false; want true")
	}
}

func TestRequestTimeout(t *testing.T) {
	dial := fakeDial(func(req *Frame, send func(any)) {
		// Swallow everything.
	})
	c := newTestClient(t, Config{Dial: dial, RequestTimeout: 50 * time.Millisecond})

	if _, err := c.Request(context.Background(), "status", nil); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Request: err = %v; want ErrRequestTimeout", err)
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	var current *fakeTransport

	base := fakeDial(func(req *Frame, send func(any)) {
		if req.Method == "status" {
			send(Frame{Type: frameRes, ID: req.ID, OK: true, Payload: []byte(`{}`)})
		}
	})
	dial := func(ctx context.Context) (Transport, error) {
		tr, err := base(ctx)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		dials++
		current = tr.(*fakeTransport)
		mu.Unlock()
		return tr, nil
	}
	c := newTestClient(t, Config{Dial: dial})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Kill the connection out from under the client.
	mu.Lock()
	current.Close()
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("client still connected after transport loss")
	}

	// Next use reconnects lazily.
	if _, err := c.Request(context.Background(), "status", nil); err != nil {
		t.Fatalf("Request after loss: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Errorf("dials = %d; want 2", dials)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		ft := newFakeTransport()
		send := func(v any) {
			b, _ := json.Marshal(v)
			ft.inbound <- b
		}
		go func() {
			ft.inbound <- []byte("{not json")
			send(Frame{Type: frameEvent, Event: eventChallenge})
			for {
				select {
				case data := <-ft.outbound:
					var f Frame
					if json.Unmarshal(data, &f) != nil {
						continue
					}
					if f.Method == "connect" {
						ft.inbound <- []byte("also not json")
						send(Frame{Type: frameRes, ID: f.ID, OK: true})
					}
				case <-ft.closed:
					return
				}
			}
		}()
		return ft, nil
	}
	c := newTestClient(t, Config{Dial: dial})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with garbage interleaved: %v", err)
	}
}

func TestRunTracker(t *testing.T) {
	var r runTracker

	if r.Set("") {
		t.Error("Set empty id stored")
	}
	if !r.Set("a") {
		t.Error("first Set not stored")
	}
	if r.Set("b") {
		t.Error("second Set overwrote")
	}

	id, ok := r.Take()
	if !ok || id != "a" {
		t.Errorf("Take = %q, %v; want a, true", id, ok)
	}
	if _, ok := r.Take(); ok {
		t.Error("second Take returned a value")
	}

	r.Set("c")
	r.Clear()
	if _, ok := r.Take(); ok {
		t.Error("Take after Clear returned a value")
	}
}
