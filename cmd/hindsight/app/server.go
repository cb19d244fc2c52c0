package app

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"

	"github.com/hindsight-dev/hindsight/pkg/util/log"
)

// ServerConfig holds the shared HTTP server's settings. The default bind is
// loopback only: the API is unauthenticated and the data never leaves the
// machine unless an operator widens this on purpose.
type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

func (cfg *ServerConfig) RegisterFlagsAndApplyDefaults(_ string, f *flag.FlagSet) {
	cfg.GracefulShutdownTimeout = 30 * time.Second

	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "127.0.0.1", "HTTP server bind address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 7446, "HTTP server listen port.")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	cfg.LogLevel.RegisterFlags(f)
}

func (cfg *ServerConfig) Validate() error {
	if cfg.HTTPListenPort <= 0 || cfg.HTTPListenPort > 65535 {
		return fmt.Errorf("server http listen port must be in (0, 65535], got %d", cfg.HTTPListenPort)
	}
	if cfg.LogFormat != "logfmt" && cfg.LogFormat != "json" {
		return fmt.Errorf("log format must be logfmt or json, got %q", cfg.LogFormat)
	}
	return nil
}

// newServerService wraps the HTTP listener in a service that starts before
// every module and, on shutdown, stays up until the modules named by
// servicesToWaitFor have terminated. Routes must be registered before the
// service starts; module init functions run earlier, so they are.
func newServerService(cfg ServerConfig, router *mux.Router, servicesToWaitFor func() []services.Service) services.Service {
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTPListenAddress, strconv.Itoa(cfg.HTTPListenPort)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverDone := make(chan error, 1)

	running := func(ctx context.Context) error {
		listener, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			close(serverDone)
			return fmt.Errorf("server listen on %s: %w", srv.Addr, err)
		}
		level.Info(log.Logger).Log("msg", "server listening", "addr", listener.Addr())

		go func() {
			defer close(serverDone)
			serverDone <- srv.Serve(listener)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stopping := func(_ error) error {
		// Keep serving until the modules behind this server are done, so
		// readiness and metrics stay reachable through the drain.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(ctx)

		<-serverDone // drained or closed once Serve returns
		level.Info(log.Logger).Log("msg", "server stopped")
		return err
	}

	return services.NewBasicService(nil, running, stopping)
}
