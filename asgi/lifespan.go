package asgi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLifespanUnsupported is returned (and treated as non-fatal, per
// spec §4.8: "protocol-unsupported is logged non-fatal") when the
// application never responds to a lifespan.startup/shutdown message.
var ErrLifespanUnsupported = errors.New("asgi: lifespan protocol unsupported")

// ErrLifespanFailed wraps an application-reported
// lifespan.startup.failed/lifespan.shutdown.failed message.
type ErrLifespanFailed struct {
	Phase   string
	Message string
}

func (e *ErrLifespanFailed) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("asgi: lifespan.%s.failed", e.Phase)
	}
	return fmt.Sprintf("asgi: lifespan.%s.failed: %s", e.Phase, e.Message)
}

// Lifespan drives one ASGI app through the lifespan scope of spec §4.8:
// exactly once per process, the adapter sends lifespan.startup/
// lifespan.shutdown and awaits the matching *.complete/*.failed within a
// timeout, grounded on
// original_source/tremolo/asgi_lifespan.py's ASGILifespan.
type Lifespan struct {
	app     Application
	timeout time.Duration

	events chan Event
	result chan error
}

// NewLifespan starts app's lifespan task in the background. timeout
// bounds how long Startup/Shutdown wait for the matching *.complete
// event -- spec §4.8 sets it to half the shutdown_timeout option.
func NewLifespan(ctx context.Context, app Application, timeout time.Duration) *Lifespan {
	l := &Lifespan{
		app:     app,
		timeout: timeout,
		events:  make(chan Event, 1),
		result:  make(chan error, 2),
	}

	scope := Event{
		"type": "lifespan",
		"asgi": Event{"version": ASGIVersion, "spec_version": ASGISpecVersion},
		"state": Event{},
	}

	go func() {
		err := app(ctx, scope, l.receive, l.send)
		if err != nil {
			select {
			case l.result <- err:
			default:
			}
		}
	}()

	return l
}

func (l *Lifespan) receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lifespan) send(ctx context.Context, ev Event) error {
	switch ev["type"] {
	case "lifespan.startup.complete", "lifespan.shutdown.complete":
		select {
		case l.result <- nil:
		default:
		}
		return nil
	case "lifespan.startup.failed", "lifespan.shutdown.failed":
		phase := "startup"
		if ev["type"] == "lifespan.shutdown.failed" {
			phase = "shutdown"
		}
		msg, _ := ev["message"].(string)
		err := &ErrLifespanFailed{Phase: phase, Message: msg}
		select {
		case l.result <- err:
		default:
		}
		return err
	default:
		return ErrLifespanUnsupported
	}
}

// Startup sends lifespan.startup and waits for startup.complete/.failed
// up to the configured timeout. An application that never implements
// lifespan (spec_version mismatch, no response) surfaces as
// ErrLifespanUnsupported, which callers should log and continue past
// rather than fail the whole process on.
func (l *Lifespan) Startup(ctx context.Context) error {
	return l.roundTrip(ctx, Event{"type": "lifespan.startup"})
}

// Shutdown sends lifespan.shutdown and waits the same way.
func (l *Lifespan) Shutdown(ctx context.Context) error {
	return l.roundTrip(ctx, Event{"type": "lifespan.shutdown"})
}

func (l *Lifespan) roundTrip(ctx context.Context, ev Event) error {
	l.events <- ev

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case err := <-l.result:
		return err
	case <-timer.C:
		return ErrLifespanUnsupported
	case <-ctx.Done():
		return ctx.Err()
	}
}
