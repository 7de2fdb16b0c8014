package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panta82/duplex-message/pkg/compose"
	"github.com/panta82/duplex-message/pkg/composer"
	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
	"github.com/panta82/duplex-message/pkg/transport/mem"
)

// pipe is a minimal in-process adapter: envelopes cross by value, in send
// order, without encoding. Tests that need a real codec boundary use the
// mem transport instead.
type pipe struct {
	peer *pipe
	in   chan message.Envelope
	done chan struct{}
	once sync.Once
}

func pipePair() (*pipe, *pipe) {
	a := &pipe{in: make(chan message.Envelope, 64), done: make(chan struct{})}
	b := &pipe{in: make(chan message.Envelope, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipe) SendMessage(_ context.Context, _ string, env *message.Envelope) error {
	select {
	case p.peer.in <- *env:
		return nil
	case <-p.done:
		return errors.New("pipe closed")
	}
}

func (p *pipe) Bind(deliver func(env *message.Envelope)) {
	go func() {
		for {
			select {
			case <-p.done:
				return
			case env := <-p.in:
				deliver(&env)
			}
		}
	}()
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// recorder captures outgoing envelopes on their way into the pipe.
type recorder struct {
	*pipe
	mu   sync.Mutex
	sent []message.Envelope
}

func (r *recorder) SendMessage(ctx context.Context, target string, env *message.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, *env)
	r.mu.Unlock()
	return r.pipe.SendMessage(ctx, target, env)
}

func newHubPair(t *testing.T, aOpts, bOpts []Option) (*Hub, *Hub) {
	t.Helper()
	pa, pb := pipePair()
	t.Cleanup(func() { pa.Close(); pb.Close() })
	a := New(pa, append([]Option{WithInstanceID("alice")}, aOpts...)...)
	b := New(pb, append([]Option{WithInstanceID("bob")}, bOpts...)...)
	return a, b
}

func TestEmitResolvesWithHandlerResult(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "add", func(ctx context.Context, args []any) (any, error) {
		m := args[0].(map[string]any)
		return m["a"].(int) + m["b"].(int), nil
	})

	out, err := a.Emit(context.Background(), "bob", "add", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if out.(int) != 3 {
		t.Fatalf("result = %v, want 3", out)
	}
}

func TestEmitHandlerErrorRejects(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "fail", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("kaput")
	})

	_, err := a.Emit(context.Background(), "bob", "fail")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Data.(string) != "kaput" {
		t.Fatalf("error payload = %v", remote.Data)
	}
}

func TestEmitNoHandlerRejects(t *testing.T) {
	a, _ := newHubPair(t, nil, nil)
	_, err := a.Emit(context.Background(), "bob", "missing")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("missing handler should reject, got %v", err)
	}
}

func TestOffRemovesRegistration(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	var called atomic.Bool
	b.On("alice", "m", func(ctx context.Context, args []any) (any, error) {
		called.Store(true)
		return nil, nil
	})
	b.Off("alice")

	_, err := a.Emit(context.Background(), "bob", "m")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError after Off, got %v", err)
	}
	if called.Load() {
		t.Fatalf("handler ran after Off")
	}
}

func TestOffSingleMethodKeepsOthers(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	ok := func(ctx context.Context, args []any) (any, error) { return "ok", nil }
	b.OnMap("alice", map[string]Handler{"keep": ok, "drop": ok})
	b.Off("alice", "drop")

	if _, err := a.Emit(context.Background(), "bob", "keep"); err != nil {
		t.Fatalf("kept method should still serve: %v", err)
	}
	if _, err := a.Emit(context.Background(), "bob", "drop"); err == nil {
		t.Fatalf("dropped method should reject")
	}
}

func TestProgressStreaming(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "download", func(ctx context.Context, args []any) (any, error) {
		emit := ProgressFunc(ctx)
		if emit == nil {
			t.Errorf("handler should see a progress emitter")
			return nil, errors.New("no progress")
		}
		emit(0.3)
		emit(0.6)
		return "done", nil
	})

	var updates []any
	var mu sync.Mutex
	out, err := a.Emit(context.Background(), "bob", "download", Progress{
		OnProgress: func(data any) {
			mu.Lock()
			updates = append(updates, data)
			mu.Unlock()
		},
		Value: "file.bin",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if out.(string) != "done" {
		t.Fatalf("result = %v, want the final value, not a progress payload", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 || updates[0].(float64) != 0.3 || updates[1].(float64) != 0.6 {
		t.Fatalf("progress updates = %v", updates)
	}
}

func TestProgressValueReplacesSubscription(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "m", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})
	out, err := a.Emit(context.Background(), "bob", "m", Progress{OnProgress: func(any) {}, Value: "payload"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if out.(string) != "payload" {
		t.Fatalf("peer saw %v instead of the stripped value", out)
	}
}

func TestProgressCallbackPanicIsContained(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "m", func(ctx context.Context, args []any) (any, error) {
		ProgressFunc(ctx)(1)
		return "done", nil
	})
	out, err := a.Emit(context.Background(), "bob", "m", Progress{
		OnProgress: func(any) { panic("listener bug") },
	})
	if err != nil || out.(string) != "done" {
		t.Fatalf("panicking progress callback must not affect the call: %v, %v", out, err)
	}
}

func TestCatchAllPrependsMethodName(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.OnAll("alice", func(ctx context.Context, args []any) (any, error) {
		return args, nil
	})
	out, err := a.Emit(context.Background(), "bob", "anything", 42)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	args := out.([]any)
	if len(args) != 2 || args[0].(string) != "anything" || args[1].(int) != 42 {
		t.Fatalf("catch-all args = %v", args)
	}
}

func TestWildcardRegistrationEvaluatedFirst(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.OnAll(message.Broadcast, func(ctx context.Context, args []any) (any, error) {
		return "wildcard", nil
	})
	b.On("alice", "m", func(ctx context.Context, args []any) (any, error) {
		return "exact", nil
	})
	out, err := a.Emit(context.Background(), "bob", "m")
	if err != nil || out.(string) != "wildcard" {
		t.Fatalf("wildcard catch-all should win: %v, %v", out, err)
	}
}

func TestWildcardMapFallsThroughToExact(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.OnMap(message.Broadcast, map[string]Handler{
		"other": func(ctx context.Context, args []any) (any, error) { return "other", nil },
	})
	b.On("alice", "m", func(ctx context.Context, args []any) (any, error) {
		return "exact", nil
	})
	out, err := a.Emit(context.Background(), "bob", "m")
	if err != nil || out.(string) != "exact" {
		t.Fatalf("wildcard map without the method should fall through: %v, %v", out, err)
	}
}

func TestOnMapMergesAndFunctionReplaces(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.OnMap("alice", map[string]Handler{
		"one": func(ctx context.Context, args []any) (any, error) { return 1, nil },
	})
	b.OnMap("alice", map[string]Handler{
		"two": func(ctx context.Context, args []any) (any, error) { return 2, nil },
	})
	for method, want := range map[string]int{"one": 1, "two": 2} {
		out, err := a.Emit(context.Background(), "bob", method)
		if err != nil || out.(int) != want {
			t.Fatalf("merged map: %s = %v, %v", method, out, err)
		}
	}

	// A catch-all replaces the whole map.
	b.OnAll("alice", func(ctx context.Context, args []any) (any, error) { return "all", nil })
	out, err := a.Emit(context.Background(), "bob", "one")
	if err != nil || out.(string) != "all" {
		t.Fatalf("catch-all should replace map: %v, %v", out, err)
	}
}

func TestMessageIDsStrictlyIncrease(t *testing.T) {
	pa, pb := pipePair()
	t.Cleanup(func() { pa.Close(); pb.Close() })
	rec := &recorder{pipe: pa}
	a := New(rec, WithInstanceID("alice"))
	b := New(pb, WithInstanceID("bob"))
	b.OnAll("alice", func(ctx context.Context, args []any) (any, error) { return nil, nil })

	for i := 0; i < 5; i++ {
		if _, err := a.Emit(context.Background(), "bob", "m"); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	prev := uint64(0)
	for _, env := range rec.sent {
		if env.MessageID <= prev {
			t.Fatalf("message ids not strictly increasing: %d after %d", env.MessageID, prev)
		}
		prev = env.MessageID
	}
}

func TestMismatchedEnvelopesNeverSettleWrongCall(t *testing.T) {
	// Two independent hub pairs with a colliding method name: each caller
	// must settle with its own pair's answer.
	a1, b1 := newHubPair(t, nil, nil)
	pa2, pb2 := pipePair()
	t.Cleanup(func() { pa2.Close(); pb2.Close() })
	a2 := New(pa2, WithInstanceID("alice2"))
	b2 := New(pb2, WithInstanceID("bob2"))

	b1.OnAll(message.Broadcast, func(ctx context.Context, args []any) (any, error) { return "pair1", nil })
	b2.OnAll(message.Broadcast, func(ctx context.Context, args []any) (any, error) { return "pair2", nil })

	var wg sync.WaitGroup
	results := make([]any, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0], errs[0] = a1.Emit(context.Background(), "bob", "twin") }()
	go func() { defer wg.Done(); results[1], errs[1] = a2.Emit(context.Background(), "bob2", "twin") }()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("emits failed: %v, %v", errs[0], errs[1])
	}
	if results[0].(string) != "pair1" || results[1].(string) != "pair2" {
		t.Fatalf("answers crossed pairs: %v, %v", results[0], results[1])
	}
}

func TestForgedResponseIsDropped(t *testing.T) {
	pa, pb := pipePair()
	t.Cleanup(func() { pa.Close(); pb.Close() })
	a := New(pa, WithInstanceID("alice"))
	b := New(pb, WithInstanceID("bob"))
	b.On("alice", "slow", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "real", nil
	})

	done := make(chan struct{})
	var out any
	var err error
	go func() {
		out, err = a.Emit(context.Background(), "bob", "slow")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	// A response from the wrong instance for the outstanding id must not
	// settle the call.
	forged := &message.Envelope{From: "mallory", To: "alice", MessageID: 1, Type: message.TypeResponse, IsSuccess: true, Data: "forged"}
	if serr := pb.SendMessage(context.Background(), "alice", forged); serr != nil {
		t.Fatalf("send forged: %v", serr)
	}
	<-done
	if err != nil || out.(string) != "real" {
		t.Fatalf("call settled with %v, %v; want the real response", out, err)
	}
}

func TestBroadcastEmit(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.OnAll(message.Broadcast, func(ctx context.Context, args []any) (any, error) {
		return "answered", nil
	})
	out, err := a.Emit(context.Background(), message.Broadcast, "ping")
	if err != nil || out.(string) != "answered" {
		t.Fatalf("broadcast emit: %v, %v", out, err)
	}
}

func TestRequestFromSelfIgnored(t *testing.T) {
	pa, pb := pipePair()
	t.Cleanup(func() { pa.Close(); pb.Close() })
	a := New(pa, WithInstanceID("alice"))
	replies := make(chan message.Envelope, 1)
	pb.Bind(func(env *message.Envelope) {
		if env.Type == message.TypeResponse {
			replies <- *env
		}
	})
	_ = a

	// A request claiming to come from this very instance is invalid.
	echo := &message.Envelope{From: "alice", MessageID: 9, Type: message.TypeRequest, Method: "m"}
	if err := pb.SendMessage(context.Background(), "alice", echo); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-replies:
		t.Fatalf("self-request should be ignored, got response %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownEnvelopeTypeIgnored(t *testing.T) {
	pa, pb := pipePair()
	t.Cleanup(func() { pa.Close(); pb.Close() })
	a := New(pa, WithInstanceID("alice"))
	b := New(pb, WithInstanceID("bob"))
	b.OnAll("alice", func(ctx context.Context, args []any) (any, error) { return "ok", nil })

	weird := &message.Envelope{From: "bob", To: "alice", MessageID: 1, Type: "gibberish"}
	if err := pb.SendMessage(context.Background(), "alice", weird); err != nil {
		t.Fatalf("send: %v", err)
	}
	// The hub must survive it and keep serving.
	if _, err := a.Emit(context.Background(), "bob", "m"); err != nil {
		t.Fatalf("hub broken after unknown envelope: %v", err)
	}
}

func TestEmitContextCancellation(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "hang", func(ctx context.Context, args []any) (any, error) {
		select {} // never settles
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Emit(ctx, "bob", "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestHandlerPanicBecomesFailureResponse(t *testing.T) {
	a, b := newHubPair(t, nil, nil)
	b.On("alice", "boom", func(ctx context.Context, args []any) (any, error) {
		panic("handler bug")
	})
	_, err := a.Emit(context.Background(), "bob", "boom")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError from panic, got %v", err)
	}
}

func TestRoutingVariant(t *testing.T) {
	comp := composer.New()
	var sawMiddleware atomic.Bool
	comp.UseGlobal(func(ctx *composer.Context, next compose.Next) error {
		sawMiddleware.Store(true)
		return next()
	})
	comp.Route("math/add", func(ctx *composer.Context, next compose.Next) error {
		args := ctx.Request.([]any)
		ctx.Response = args[0].(int) + args[1].(int)
		return nil
	})

	a, _ := newHubPair(t, nil, []Option{WithComposer(comp)})
	out, err := a.Emit(context.Background(), "bob", "math/add", 1, 2)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if out.(int) != 3 {
		t.Fatalf("routed result = %v, want 3", out)
	}
	if !sawMiddleware.Load() {
		t.Fatalf("middleware did not run")
	}
}

func TestEndToEndOverMemJSON(t *testing.T) {
	// Full stack: hubs on both ends of the mem pair, envelopes crossing a
	// real JSON boundary, so numbers come back as float64.
	reg := codec.NewRegistry()
	ta, tb := mem.Pair(reg, message.FormatJSON)
	t.Cleanup(func() { ta.Close(); tb.Close() })
	a := New(ta, WithInstanceID("alice"))
	b := New(tb, WithInstanceID("bob"))
	b.On("alice", "add", func(ctx context.Context, args []any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	})

	out, err := a.Emit(context.Background(), "bob", "add", 1, 2)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if out.(float64) != 3 {
		t.Fatalf("result = %v, want 3", out)
	}
}
