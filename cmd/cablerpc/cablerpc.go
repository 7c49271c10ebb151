// Program cablerpc runs an RPC server for an AnyCable-compatible edge
// server, backed by the cabletest reference application.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/cabletest"
	"github.com/creachadair/cablerpc/channel"
	"github.com/creachadair/cablerpc/config"
	"github.com/creachadair/cablerpc/grpcrpc"
	"github.com/creachadair/cablerpc/httprpc"
	"github.com/creachadair/cablerpc/stream"
	"github.com/creachadair/cablerpc/wsrpc"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var flags struct {
	Config   string `flag:"config,Configuration file path (YAML)"`
	Host     string `flag:"host,Listen address (overrides config)"`
	LogLevel string `flag:"log-level,Log level (overrides config)"`
	WSURL    string `flag:"ws-url,Edge server WS-RPC URL (overrides config)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]\nhelp [<command>]",
		Help:     "Run an RPC server for an AnyCable-compatible edge server.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Serve RPC calls with the reference application.",
				Commands: []*command.C{
					{
						Name: "grpc",
						Help: "Serve RPC calls over gRPC at the listen address.",
						Run:  runGRPC,
					},
					{
						Name: "http",
						Help: `Serve RPC calls over HTTP at the listen address.

Calls are accepted as POST requests to <http_path>/<method>. If a secret is
configured, each request must carry it as a bearer token. Metrics are served
at /metrics on the same address.`,
						Run: runHTTP,
					},
					{
						Name: "ws",
						Help: `Serve RPC calls over WS-RPC connections to the edge server.

The server opens a pool of connections to the configured URL and serves
calls issued over them, reconnecting with backoff when they drop.`,
						Run: runWS,
					},
				},
			},
			{
				Name:  "sign",
				Usage: "<stream-name>",
				Help:  "Print the signed form of a stream name using the stream secret.",
				Run:   runSign,
			},
			{
				Name: "config",
				Help: "Print the resolved configuration.",
				Run: func(env *command.Env) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					fmt.Printf("%+v\n", *cfg)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig resolves the configuration from defaults, the config file,
// the environment, and flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flags.Config != "" {
		if err := cfg.Load(flags.Config); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if flags.Host != "" {
		cfg.Host = flags.Host
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.WSURL != "" {
		cfg.WS.URL = flags.WSURL
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setup holds the common components of a server.
type setup struct {
	cfg  *config.Config
	log  loggo.Logger
	reg  *prometheus.Registry
	mets *cablerpc.Metrics
	disp *cablerpc.Dispatcher
}

func newSetup() (*setup, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lctx := loggo.NewContext(cfg.Level())
	if err := lctx.AddWriter("stderr", loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter)); err != nil {
		return nil, err
	}
	log := lctx.GetLogger("cablerpc")

	reg := prometheus.NewRegistry()
	mets := cablerpc.NewMetrics(reg)
	app := cabletest.NewApp(cfg.StreamSecret)
	disp := cablerpc.NewDispatcher(app, &cablerpc.Options{
		Logger:  log,
		Metrics: mets,
		Notifier: cablerpc.NotifierFunc(func(_ context.Context, err error, m cablerpc.Method, _ cablerpc.Request) error {
			log.Child("notify").Warningf("%s failed: %v", m, err)
			return nil
		}),
	})
	if err := disp.Use(cablerpc.EnvSID()); err != nil {
		return nil, err
	}
	return &setup{cfg: cfg, log: log, reg: reg, mets: mets, disp: disp}, nil
}

// checkVersion installs the version check middleware for chain transports.
func (s *setup) checkVersion() error {
	if s.cfg.SkipVersionCheck {
		return nil
	}
	return s.disp.Use(cablerpc.CheckVersion(s.cfg.Version))
}

// serveMetrics serves metrics on the configured address, if any, until ctx
// ends.
func (s *setup) serveMetrics(ctx context.Context, g *taskgroup.Group) {
	if s.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	context.AfterFunc(ctx, func() { srv.Close() })
	g.Go(func() error {
		s.log.Infof("metrics at %s", s.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runGRPC(env *command.Env) error {
	s, err := newSetup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lst, err := net.Listen("tcp", s.cfg.Host)
	if err != nil {
		return err
	}
	srv := grpcrpc.NewServer(s.disp, &grpcrpc.Options{
		Version:          s.cfg.Version,
		SkipVersionCheck: s.cfg.SkipVersionCheck,
		PoolSize:         s.cfg.PoolSize,
		Logger:           s.log.Child("grpc"),
	})
	g := taskgroup.New(nil)
	s.serveMetrics(ctx, g)
	g.Go(func() error {
		s.log.Infof("serving gRPC at %s", lst.Addr())
		return srv.Serve(ctx, lst)
	})
	return g.Wait()
}

func runHTTP(env *command.Env) error {
	s, err := newSetup()
	if err != nil {
		return err
	}
	if err := s.checkVersion(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	h := httprpc.New(s.disp, &httprpc.Options{
		Secret:   s.cfg.Secret,
		PoolSize: s.cfg.PoolSize,
		Logger:   s.log.Child("http"),
	})
	mux := http.NewServeMux()
	mux.Handle(s.cfg.HTTPPath+"/", http.StripPrefix(s.cfg.HTTPPath, h))
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Host, Handler: mux}
	context.AfterFunc(ctx, func() { srv.Shutdown(context.Background()) })

	s.log.Infof("serving HTTP at %s%s", s.cfg.Host, s.cfg.HTTPPath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runWS(env *command.Env) error {
	s, err := newSetup()
	if err != nil {
		return err
	}
	if s.cfg.WS.URL == "" {
		return env.Usagef("no WS-RPC URL is configured")
	}
	if err := s.checkVersion(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := s.cfg.ClientOptions(s.log.Child("ws"), s.mets)
	srv := wsrpc.NewServer(channel.WebsocketDialer{
		URL:   s.cfg.WS.URL,
		Token: s.cfg.WS.Token,
	}, s.disp, &opts).Start(ctx)

	g := taskgroup.New(nil)
	s.serveMetrics(ctx, g)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})
	s.log.Infof("serving WS-RPC to %s with %d connections", s.cfg.WS.URL, len(srv.Clients()))
	werr := srv.Wait()
	cancel()
	return errors.Join(werr, g.Wait())
}

func runSign(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected a stream name")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secret := cfg.StreamSecret
	if secret == "" {
		secret = cabletest.DefaultSecret
	}
	fmt.Println(stream.NewSigner(secret).Sign(env.Args[0]))
	return nil
}
