package routerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/coldwire/s2s/internal/stanza"
)

type fakeWire struct {
	authErr   error
	readQueue []stanza.Stanza
	readErr   error
	written   []stanza.Stanza
}

func (w *fakeWire) Authenticate(user, pass string) error { return w.authErr }

func (w *fakeWire) ReadStanza(ctx context.Context) (stanza.Stanza, error) {
	if len(w.readQueue) > 0 {
		s := w.readQueue[0]
		w.readQueue = w.readQueue[1:]
		return s, nil
	}
	if w.readErr != nil {
		return stanza.Stanza{}, w.readErr
	}
	<-ctx.Done()
	return stanza.Stanza{}, ctx.Err()
}

func (w *fakeWire) WriteStanza(s stanza.Stanza) error {
	w.written = append(w.written, s)
	return nil
}

func (w *fakeWire) Close() error { return nil }

func noopConn() net.Conn {
	c, _ := net.Pipe()
	return c
}

func TestConsumeRetryExhaustsBoundedBudget(t *testing.T) {
	l := New(Config{RetryInit: 1, RetrySleep: time.Millisecond}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if !l.consumeRetry(ctx) {
		t.Fatal("expected first retry to succeed (budget 1 -> 0)")
	}
	if l.retryLeft != 0 {
		t.Fatalf("expected retryLeft 0, got %d", l.retryLeft)
	}
	if l.consumeRetry(ctx) {
		t.Fatal("expected second retry to fail once budget is exhausted")
	}
}

func TestConsumeRetryUnlimitedNeverDecrements(t *testing.T) {
	l := New(Config{RetryInit: -1, RetrySleep: time.Millisecond}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !l.consumeRetry(ctx) {
			t.Fatal("expected unlimited retry budget to never exhaust")
		}
	}
	if l.retryLeft != -1 {
		t.Fatalf("expected retryLeft to remain -1, got %d", l.retryLeft)
	}
}

func TestRunGivesUpWhenDialAlwaysFails(t *testing.T) {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	l := New(Config{RetryInit: 2, RetrySleep: time.Millisecond}, dial, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return an error once the retry budget is exhausted")
	}
}

func TestRunReplenishesBudgetAfterSuccessfulConnect(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return noopConn(), nil
		}
		return nil, fmt.Errorf("refused on attempt %d", attempts)
	}
	wire := &fakeWire{readErr: errors.New("connection reset")}
	newWire := func(conn net.Conn) Wire { return wire }

	l := New(Config{RetryInit: 0, RetryLost: 1, RetrySleep: time.Millisecond}, dial, newWire, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("expected eventual exhaustion")
	}
	if attempts < 2 {
		t.Fatalf("expected replenished budget to allow a second connect attempt, got %d attempts", attempts)
	}
}

func TestSendQueuesOutboundStanza(t *testing.T) {
	l := New(Config{RetrySleep: time.Millisecond}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := stanza.Stanza{ID: "1"}
	l.Send(s)
	select {
	case got := <-l.outbound:
		if got.ID != "1" {
			t.Fatalf("unexpected stanza: %+v", got)
		}
	default:
		t.Fatal("expected stanza queued on outbound channel")
	}
}
