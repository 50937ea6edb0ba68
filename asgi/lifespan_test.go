package asgi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLifespanStartupShutdownRoundTrip(t *testing.T) {
	app := func(ctx context.Context, scope Event, receive Receive, send Send) error {
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			switch ev["type"] {
			case "lifespan.startup":
				if err := send(ctx, Event{"type": "lifespan.startup.complete"}); err != nil {
					return err
				}
			case "lifespan.shutdown":
				return send(ctx, Event{"type": "lifespan.shutdown.complete"})
			}
		}
	}

	l := NewLifespan(context.Background(), app, time.Second)
	if err := l.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLifespanStartupFailed(t *testing.T) {
	app := func(ctx context.Context, scope Event, receive Receive, send Send) error {
		ev, err := receive(ctx)
		if err != nil {
			return err
		}
		if ev["type"] != "lifespan.startup" {
			return errors.New("unexpected event")
		}
		return send(ctx, Event{"type": "lifespan.startup.failed", "message": "db unreachable"})
	}

	l := NewLifespan(context.Background(), app, time.Second)
	err := l.Startup(context.Background())
	var failed *ErrLifespanFailed
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want *ErrLifespanFailed", err)
	}
	if failed.Phase != "startup" || failed.Message != "db unreachable" {
		t.Fatalf("got %+v", failed)
	}
}

func TestLifespanUnsupportedTimesOut(t *testing.T) {
	app := func(ctx context.Context, scope Event, receive Receive, send Send) error {
		<-ctx.Done()
		return ctx.Err()
	}

	l := NewLifespan(context.Background(), app, 20*time.Millisecond)
	err := l.Startup(context.Background())
	if !errors.Is(err, ErrLifespanUnsupported) {
		t.Fatalf("got %v, want ErrLifespanUnsupported", err)
	}
}
