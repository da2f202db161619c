package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"featurestore/internal/transformer"

	"github.com/nats-io/nats.go"
)

// Message is the JSON body of a push over NATS: columnar rows plus the
// target mode. The push source is the last token of the subject.
type Message struct {
	DF map[string][]any `json:"df"`
	To string           `json:"to,omitempty"`
}

// Reply is sent back when the message carries a reply subject.
type Reply struct {
	OK      bool   `json:"ok"`
	Rows    int    `json:"rows"`
	Written int64  `json:"written"`
	Error   string `json:"error,omitempty"`
}

// Connect dials NATS with unlimited reconnects.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name("featurestore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject is the subject a push to source is published on.
func Subject(prefix, source string) string {
	return strings.TrimSuffix(prefix, ".") + "." + source
}

// Decode parses a Message body into a frame with columns in sorted order.
// Numbers are kept as json.Number so integers survive unchanged.
func Decode(data []byte) (*transformer.Frame, Mode, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, "", fmt.Errorf("decode push message: %w", err)
	}
	mode, err := ParseMode(m.To)
	if err != nil {
		return nil, "", err
	}
	if len(m.DF) == 0 {
		return nil, "", fmt.Errorf("decode push message: empty df")
	}
	order := make([]string, 0, len(m.DF))
	for c := range m.DF {
		order = append(order, c)
	}
	sort.Strings(order)
	f, err := transformer.FromColumns(order, m.DF)
	if err != nil {
		return nil, "", fmt.Errorf("decode push message: %w", err)
	}
	return f, mode, nil
}

// Publish sends f to source over nc and waits for the listener's reply.
func Publish(ctx context.Context, nc *nats.Conn, prefix, source string, f *transformer.Frame, mode Mode) (Reply, error) {
	data, err := json.Marshal(Message{DF: f.ToColumns(), To: string(mode)})
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling push: %w", err)
	}
	msg, err := nc.RequestWithContext(ctx, Subject(prefix, source), data)
	if err != nil {
		return Reply{}, fmt.Errorf("push request %s: %w", source, err)
	}
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode push reply: %w", err)
	}
	if !r.OK {
		return r, fmt.Errorf("push %s: %s", source, r.Error)
	}
	return r, nil
}

// Listener feeds NATS messages on "<Prefix>.<push source>" to a Pusher.
type Listener struct {
	Conn   *nats.Conn
	Pusher *Pusher
	Prefix string
	Logger Logger
}

// Serve subscribes and handles messages until ctx is done. Messages are
// handled one at a time in arrival order.
func (l *Listener) Serve(ctx context.Context) error {
	logf := l.Pusher.logger()
	if l.Logger != nil {
		logf = l.Logger.Printf
	}
	prefix := strings.TrimSuffix(l.Prefix, ".")
	topic := prefix + ".*"

	sub, err := l.Conn.Subscribe(topic, func(msg *nats.Msg) {
		source := strings.TrimPrefix(msg.Subject, prefix+".")
		res, err := l.handle(ctx, source, msg.Data)
		if err != nil {
			logf("stage=push_nats subject=%s status=error err=%v", msg.Subject, err)
		}
		if msg.Reply == "" {
			return
		}
		r := Reply{OK: err == nil, Rows: res.Rows, Written: res.Written}
		if err != nil {
			r.Error = err.Error()
		}
		body, _ := json.Marshal(r)
		if err := msg.Respond(body); err != nil {
			logf("stage=push_nats subject=%s respond err=%v", msg.Subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush so the subscription is registered before callers publish.
	if err := l.Conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	logf("stage=push_nats subscribed subject=%s", topic)

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}

func (l *Listener) handle(ctx context.Context, source string, data []byte) (Result, error) {
	f, mode, err := Decode(data)
	if err != nil {
		return Result{}, err
	}
	return l.Pusher.Push(ctx, source, f, mode)
}
