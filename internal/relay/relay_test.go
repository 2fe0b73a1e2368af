package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) handle(_ context.Context, env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) last() (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envs) == 0 {
		return Envelope{}, false
	}
	return r.envs[len(r.envs)-1], true
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")
	b := hub.Attach("ch1", "b")
	c := hub.Attach("ch1", "c")

	var rb, rc recorder
	b.OnMessage(MsgTypeE2EE, rb.handle)
	c.OnMessage(MsgTypeE2EE, rc.handle)

	if err := a.Send(context.Background(), Envelope{Type: MsgTypeE2EE}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rb.count() != 1 || rc.count() != 1 {
		t.Errorf("broadcast: got b=%d c=%d deliveries, want 1 each", rb.count(), rc.count())
	}
}

func TestHubTargetedDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")
	b := hub.Attach("ch1", "b")
	c := hub.Attach("ch1", "c")

	var rb, rc recorder
	b.OnMessage(MsgTypeE2EE, rb.handle)
	c.OnMessage(MsgTypeE2EE, rc.handle)

	_ = a.Send(context.Background(), Envelope{Type: MsgTypeE2EE, To: "b"})
	if rb.count() != 1 {
		t.Errorf("got %d deliveries to target, want 1", rb.count())
	}
	if rc.count() != 0 {
		t.Errorf("got %d deliveries to non-target, want 0", rc.count())
	}
}

func TestHubNoSelfDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")

	var ra recorder
	a.OnMessage(MsgTypeE2EE, ra.handle)
	_ = a.Send(context.Background(), Envelope{Type: MsgTypeE2EE})
	if ra.count() != 0 {
		t.Errorf("sender received its own broadcast %d times", ra.count())
	}
}

func TestHubDetachBroadcastsMemberLeft(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")
	_ = hub.Attach("ch1", "b")

	var ra recorder
	a.OnMessage(MsgTypeMemberLeft, ra.handle)

	hub.Detach("ch1", "b")
	env, ok := ra.last()
	if !ok {
		t.Fatal("expected a member_left envelope")
	}
	var ml MemberLeft
	if err := json.Unmarshal(env.Payload, &ml); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ml.UserID != "b" {
		t.Errorf("got departed user %q, want %q", ml.UserID, "b")
	}
}

func TestHubDropFilter(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")
	b := hub.Attach("ch1", "b")

	var rb recorder
	b.OnMessage(MsgTypeE2EE, rb.handle)

	hub.SetDropFilter(func(env Envelope) bool { return env.Type == MsgTypeE2EE })
	_ = a.Send(context.Background(), Envelope{Type: MsgTypeE2EE})
	if rb.count() != 0 {
		t.Errorf("got %d deliveries through drop filter, want 0", rb.count())
	}

	hub.SetDropFilter(nil)
	_ = a.Send(context.Background(), Envelope{Type: MsgTypeE2EE})
	if rb.count() != 1 {
		t.Errorf("got %d deliveries after clearing filter, want 1", rb.count())
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("ch1", "a")
	b := hub.Attach("ch1", "b")

	var rb recorder
	unsub := b.OnMessage(MsgTypeE2EE, rb.handle)
	unsub()

	_ = a.Send(context.Background(), Envelope{Type: MsgTypeE2EE})
	if rb.count() != 0 {
		t.Errorf("got %d deliveries after unsubscribe, want 0", rb.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestServerFanOut(t *testing.T) {
	srv := NewServer(0)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx := context.Background()
	a, err := DialWS(ctx, wsURL, "ch1", "a")
	if err != nil {
		t.Fatalf("DialWS a: %v", err)
	}
	defer a.Close()
	b, err := DialWS(ctx, wsURL, "ch1", "b")
	if err != nil {
		t.Fatalf("DialWS b: %v", err)
	}
	defer b.Close()

	var rb recorder
	b.OnMessage(MsgTypeE2EE, rb.handle)

	if err := a.Send(ctx, Envelope{Type: MsgTypeE2EE, Payload: json.RawMessage(`{"x":1}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return rb.count() == 1 })

	env, _ := rb.last()
	if env.From != "a" {
		t.Errorf("got From %q, want %q (server must stamp the sender)", env.From, "a")
	}
}

func TestServerMemberLeftOnDisconnect(t *testing.T) {
	srv := NewServer(0)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx := context.Background()
	a, err := DialWS(ctx, wsURL, "ch1", "a")
	if err != nil {
		t.Fatalf("DialWS a: %v", err)
	}
	defer a.Close()
	b, err := DialWS(ctx, wsURL, "ch1", "b")
	if err != nil {
		t.Fatalf("DialWS b: %v", err)
	}

	var ra recorder
	a.OnMessage(MsgTypeMemberLeft, ra.handle)

	_ = b.Close()
	waitFor(t, func() bool { return ra.count() >= 1 })

	env, _ := ra.last()
	var ml MemberLeft
	if err := json.Unmarshal(env.Payload, &ml); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ml.UserID != "b" {
		t.Errorf("got departed user %q, want %q", ml.UserID, "b")
	}
}
