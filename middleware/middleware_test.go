package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"protorpc/message"
)

// echoHandler replies at once with the request payload.
func echoHandler(ctx context.Context, req *message.Request, reply ReplyFunc) {
	reply(&message.Response{RequestID: req.ID, Payload: req.Payload})
}

// slowHandler replies after 200ms, from another goroutine.
func slowHandler(ctx context.Context, req *message.Request, reply ReplyFunc) {
	go func() {
		time.Sleep(200 * time.Millisecond)
		reply(&message.Response{RequestID: req.ID, Payload: []byte("late")})
	}()
}

// collect runs h and returns every reply it produced within wait.
func collect(h HandlerFunc, req *message.Request, wait time.Duration) []*message.Response {
	replies := make(chan *message.Response, 4)
	h(context.Background(), req, func(resp *message.Response) { replies <- resp })

	var got []*message.Response
	deadline := time.After(wait)
	for {
		select {
		case resp := <-replies:
			got = append(got, resp)
		case <-deadline:
			return got
		}
	}
}

var testRequest = &message.Request{ID: 42, ServiceName: "EchoService", MethodName: "Echo", Payload: []byte("ok")}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	got := collect(handler, testRequest, 10*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expect 1 reply, got %d", len(got))
	}
	if string(got[0].Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(got[0].Payload))
	}
	if logs.FilterMessage("request handled").Len() != 1 {
		t.Fatalf("expect one 'request handled' entry, got %v", logs.All())
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := func(ctx context.Context, req *message.Request, reply ReplyFunc) {
		reply(message.Failed(req.ID, message.RPCFailed, "nope"))
	}
	collect(Logging(zap.New(core))(failing), testRequest, 10*time.Millisecond)

	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expect one 'request failed' entry, got %d", len(entries))
	}
	if code := entries[0].ContextMap()["code"]; code != "RPC_FAILED" {
		t.Fatalf("expect code RPC_FAILED, got %v", code)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, fast handler: the real reply goes through
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	got := collect(handler, testRequest, 50*time.Millisecond)
	if len(got) != 1 || got[0].HasFailed {
		t.Fatalf("expect one successful reply, got %v", got)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, handler needs 200ms: timeout reply, late reply dropped
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	got := collect(handler, testRequest, 400*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("expect exactly 1 reply, got %d", len(got))
	}
	resp := got[0]
	if resp.ErrorMessage != "request timed out" || resp.ErrorCode == nil || *resp.ErrorCode != message.RPCError {
		t.Fatalf("expect RPC_ERROR timeout reply, got %s", resp)
	}
	if resp.RequestID != testRequest.ID {
		t.Fatalf("expect request id %d, got %d", testRequest.ID, resp.RequestID)
	}
}

func TestTimeoutCancelsContext(t *testing.T) {
	canceled := make(chan struct{})
	handler := Timeout(20 * time.Millisecond)(func(ctx context.Context, req *message.Request, reply ReplyFunc) {
		go func() {
			<-ctx.Done()
			close(canceled)
		}()
	})
	collect(handler, testRequest, 50*time.Millisecond)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not canceled")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the 3rd is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		got := collect(handler, testRequest, time.Millisecond)
		if len(got) != 1 || got[0].HasFailed {
			t.Fatalf("request %d should pass, got %v", i, got)
		}
	}

	got := collect(handler, testRequest, time.Millisecond)
	if len(got) != 1 || got[0].ErrorMessage != "rate limit exceeded" || *got[0].ErrorCode != message.RPCFailed {
		t.Fatalf("request 3 should be rate limited, got %v", got)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
				order = append(order, name+".before")
				next(ctx, req, func(resp *message.Response) {
					order = append(order, name+".reply")
					reply(resp)
				})
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), Logging(zap.NewNop()), Timeout(500*time.Millisecond))(echoHandler)
	got := collect(handler, testRequest, 10*time.Millisecond)
	if len(got) != 1 || got[0].HasFailed {
		t.Fatalf("expect one successful reply, got %v", got)
	}

	want := []string{"A.before", "B.before", "B.reply", "A.reply"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
