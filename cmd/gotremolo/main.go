// Command gotremolo runs the gotremolo engine against an ASGI
// application reference, matching the flag surface and exit codes of
// spec.md §6 and original_source/__main__.py.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nggit/gotremolo"
)

func main() {
	cmd := &cli.Command{
		Name:  "gotremolo",
		Usage: "a stream-oriented HTTP/1.x + WebSocket + ASGI gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Value: 8000},
			&cli.StringFlag{Name: "bind", Usage: "host:port, overrides --host/--port"},
			&cli.StringFlag{Name: "ssl-cert"},
			&cli.StringFlag{Name: "ssl-key"},
			&cli.BoolFlag{Name: "debug"},
			// worker-num and backlog are accepted for flag-surface parity
			// with original_source/__main__.py but have no effect here: a
			// Go process already fans a listener's Accept loop out across
			// goroutines without a worker_num-style process pool, and the
			// standard library's net.Listen does not expose a tunable
			// listen(2) backlog.
			&cli.IntFlag{Name: "worker-num", Value: 1},
			&cli.IntFlag{Name: "backlog", Value: 128},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.IntFlag{Name: "download-rate", Value: 1 << 20},
			&cli.IntFlag{Name: "upload-rate", Value: 1 << 20},
			&cli.IntFlag{Name: "buffer-size", Value: 16 << 10},
			&cli.IntFlag{Name: "client-max-body-size", Value: 2 << 20},
			&cli.IntFlag{Name: "request-timeout", Value: 30},
			&cli.IntFlag{Name: "keepalive-timeout", Value: 30},
			&cli.StringFlag{Name: "server-name", Value: "gotremolo"},
			&cli.StringFlag{Name: "root-path", Value: ""},
			// no-ws is left for an embedding program's route dispatcher to
			// read (via cmd.Bool("no-ws")) and act on; the engine itself
			// upgrades whatever request UpgradeWebSocket is called for, and
			// route dispatch is this package's caller's responsibility, not
			// this command's.
			&cli.BoolFlag{Name: "no-ws"},
		},
		ArgsUsage: "module:attr",
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if errors.Is(err, errBadArgs) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var errBadArgs = errors.New("gotremolo: missing app reference (expected \"module:attr\")")

// run wires the CLI flags into a gotremolo.Server. The "module:attr" app
// reference itself is a Go-import-path:symbol pair resolved by the
// caller's own main package in a real deployment (unlike Python, Go
// cannot dynamically import a module by string at runtime); here it is
// validated for shape and otherwise left for the embedding program to
// wire an actual Handler/Application before calling Serve.
func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return errBadArgs
	}
	appRef := cmd.Args().Get(0)
	if !strings.Contains(appRef, ":") {
		return errBadArgs
	}

	opts := []gotremolo.Option{
		gotremolo.WithBufferSize(int(cmd.Int("buffer-size"))),
		gotremolo.WithClientMaxBodySize(cmd.Int("client-max-body-size")),
		gotremolo.WithDownloadRate(int(cmd.Int("download-rate"))),
		gotremolo.WithUploadRate(int(cmd.Int("upload-rate"))),
		gotremolo.WithRequestTimeout(time.Duration(cmd.Int("request-timeout")) * time.Second),
		gotremolo.WithKeepAliveTimeout(time.Duration(cmd.Int("keepalive-timeout")) * time.Second),
		gotremolo.WithDebug(cmd.Bool("debug")),
		gotremolo.WithRootPath(cmd.String("root-path")),
		gotremolo.WithServerName(cmd.String("server-name")),
	}

	logger := gotremolo.NewLogger(cmd.String("log-level"))
	srv := gotremolo.NewServer(notConfiguredHandler, logger, opts...)

	if cert, key := cmd.String("ssl-cert"), cmd.String("ssl-key"); cert != "" && key != "" {
		tlsCert, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return fmt.Errorf("gotremolo: loading TLS cert/key: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
	}

	addr := cmd.String("bind")
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cmd.String("host"), cmd.Int("port"))
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS(addr)
		} else {
			errCh <- srv.ListenAndServe(addr)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// notConfiguredHandler is the placeholder Handler used until a real
// embedding program supplies the ASGI app referenced by "module:attr"
// (route dispatch is an out-of-scope collaborator per spec §1).
func notConfiguredHandler(ctx context.Context, req *gotremolo.Request, resp *gotremolo.Response) error {
	resp.Header.Set("content-type", "text/plain; charset=utf-8")
	body := []byte("gotremolo: no application wired to this binary")
	resp.SetContentLength(int64(len(body)))
	if _, err := resp.Write(ctx, body); err != nil {
		return err
	}
	return resp.End(ctx)
}
