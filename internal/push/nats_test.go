package push

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"featurestore/internal/transformer"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func startListener(t *testing.T, fx *fixture) *nats.Conn {
	t.Helper()
	url := startTestNATS(t)
	nc, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	l := &Listener{Conn: nc, Pusher: fx.pusher, Prefix: "featurestore.push."}
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	// Wait until the subscription is live.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if nc.NumSubscriptions() > 0 {
			return nc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener did not subscribe")
	return nil
}

func TestDecode(t *testing.T) {
	f, mode, err := Decode([]byte(`{"df":{"kpi1":[1,2.5],"booking_id":["a","b"]},"to":"offline"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if mode != Offline || strings.Join(f.Columns, ",") != "booking_id,kpi1" || f.Len() != 2 {
		t.Fatalf("frame=%v mode=%s", f, mode)
	}
	if f.Rows[1][1] != json.Number("2.5") {
		t.Fatalf("value=%#v", f.Rows[1][1])
	}

	for _, bad := range []string{
		`not json`,
		`{"df":{}}`,
		`{"df":{"a":[1],"b":[1,2]}}`,
		`{"df":{"a":[1]},"to":"elsewhere"}`,
	} {
		if _, _, err := Decode([]byte(bad)); err == nil {
			t.Fatalf("Decode(%s) expected error", bad)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("featurestore.push.", "booking_push_source"); got != "featurestore.push.booking_push_source" {
		t.Fatalf("Subject=%q", got)
	}
}

func TestListener_PushesAndReplies(t *testing.T) {
	fx := newFixture(t)
	nc := startListener(t, fx)

	f := transformer.NewFrame("booking_id", "great_feature1", "great_feature2", "event_timestamp")
	f.Append([]any{"9", 9.5, 1.0, "2024-01-06T00:00:00Z"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := Publish(ctx, nc, "featurestore.push", "booking_push_source", f, Online)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !r.OK || r.Rows != 1 || r.Written == 0 {
		t.Fatalf("reply=%+v", r)
	}
	if got := fx.readOnline(t, "9"); len(got) != 1 {
		t.Fatalf("online=%v", got)
	}
}

func TestListener_RepliesWithError(t *testing.T) {
	fx := newFixture(t)
	nc := startListener(t, fx)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := transformer.NewFrame("booking_id")
	f.Append([]any{"1"})
	r, err := Publish(ctx, nc, "featurestore.push", "booking_push_source", f, Online)
	if err == nil || r.OK || !strings.Contains(r.Error, "missing column") {
		t.Fatalf("reply=%+v err=%v", r, err)
	}

	// A message without a reply subject is handled and logged, not answered.
	if err := nc.Publish(Subject("featurestore.push", "booking_push_source"), []byte("junk")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
