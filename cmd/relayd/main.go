// relayd is a reference server for the streaming RPC protocol. It wires
// the session store, an event log backend and the streaming HTTP
// handler into a single process, and registers a small demo service so
// clients have something to call.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaykit/streamrpc/auth"
	"github.com/relaykit/streamrpc/auth/authtest"
	"github.com/relaykit/streamrpc/auth/jwtauth"
	"github.com/relaykit/streamrpc/eventlog"
	"github.com/relaykit/streamrpc/eventlog/memorylog"
	"github.com/relaykit/streamrpc/eventlog/redislog"
	"github.com/relaykit/streamrpc/eventlog/sqlitelog"
	"github.com/relaykit/streamrpc/internal/logctx"
	"github.com/relaykit/streamrpc/protocol"
	"github.com/relaykit/streamrpc/rpcservice"
	"github.com/relaykit/streamrpc/sessions"
	"github.com/relaykit/streamrpc/streaminghttp"
)

var v *viper.Viper

func initConfig() {
	v = viper.New()
	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("endpoint-path", "/rpc")
	v.SetDefault("backend", "memory")
	v.SetDefault("sqlite-path", "relayd.db")
	v.SetDefault("idle-timeout", "5m")
	v.SetDefault("grace-period", "30s")
	v.SetDefault("reap-interval", "15s")
	v.SetDefault("event-retention", "24h")
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("static-token", "")
	v.SetDefault("jwks-uri", "")
	v.SetDefault("jwt-issuer", "")
	v.SetDefault("jwt-audience", "")
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Streaming RPC server with resumable sessions",
	Long: `relayd serves a JSON-RPC protocol over streaming HTTP with
session reconnection and event replay. Clients that lose their
connection resume where they left off; notifications emitted while
they were away are replayed from the event log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	initConfig()
	fl := rootCmd.Flags()
	fl.String("listen", v.GetString("listen"), "address to listen on")
	fl.String("endpoint-path", v.GetString("endpoint-path"), "path the RPC endpoint is mounted on")
	fl.String("backend", v.GetString("backend"), "event log backend: memory, sqlite or redis")
	fl.String("sqlite-path", v.GetString("sqlite-path"), "database file for the sqlite backend")
	fl.Duration("idle-timeout", v.GetDuration("idle-timeout"), "inactivity before a session is considered idle")
	fl.Duration("grace-period", v.GetDuration("grace-period"), "how long an idle session stays reachable")
	fl.Duration("reap-interval", v.GetDuration("reap-interval"), "how often to scan for idle sessions")
	fl.Duration("event-retention", v.GetDuration("event-retention"), "age after which stored events are purged (0 disables)")
	fl.String("log-file", v.GetString("log-file"), "log to this file with rotation instead of stderr")
	fl.String("log-level", v.GetString("log-level"), "log level: debug, info, warn or error")
	fl.String("static-token", v.GetString("static-token"), "accept exactly this bearer token (dev only)")
	fl.String("jwks-uri", v.GetString("jwks-uri"), "JWKS endpoint for JWT bearer validation")
	fl.String("jwt-issuer", v.GetString("jwt-issuer"), "required JWT issuer")
	fl.String("jwt-audience", v.GetString("jwt-audience"), "required JWT audience (comma separated)")
	_ = v.BindPFlags(fl)
}

func newLogger() (*slog.Logger, io.Closer) {
	var level slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	if path := v.GetString("log-file"); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		w = lj
		closer = lj
	}
	h := logctx.NewHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	return slog.New(h), closer
}

func newEventLog() (eventlog.Log, error) {
	switch v.GetString("backend") {
	case "memory":
		return memorylog.New(), nil
	case "sqlite":
		return sqlitelog.Open(v.GetString("sqlite-path"))
	case "redis":
		return redislog.NewFromEnv()
	default:
		return nil, fmt.Errorf("unknown backend %q", v.GetString("backend"))
	}
}

func newAuthenticator(ctx context.Context) (auth.Authenticator, error) {
	if uri := v.GetString("jwks-uri"); uri != "" {
		var auds []string
		if raw := v.GetString("jwt-audience"); raw != "" {
			auds = strings.Split(raw, ",")
		}
		return jwtauth.New(ctx, jwtauth.Config{
			Issuer:            v.GetString("jwt-issuer"),
			ExpectedAudiences: auds,
		}, uri)
	}
	if tok := v.GetString("static-token"); tok != "" {
		return &authtest.StaticToken{Token: tok, UserID: "local-user"}, nil
	}
	return authtest.NewNoAuth(""), nil
}

// newRegistry builds the demo service: an echo method and a watch
// method that emits progress for a while, long enough to outlive the
// request connection and exercise replay.
func newRegistry() *rpcservice.Registry {
	reg := rpcservice.NewRegistry(protocol.ServerInfo{
		Name:    "relayd",
		Version: "0.1.0",
	}, rpcservice.WithInstructions("demo service: echo, watch"))

	reg.Register("echo", func(ctx context.Context, req *rpcservice.Request) (any, error) {
		var params map[string]any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, rpcservice.NewError(-32602, "params must be an object")
			}
		}
		return map[string]any{"echo": params}, nil
	})

	reg.Register("watch", func(ctx context.Context, req *rpcservice.Request) (any, error) {
		var params struct {
			Ticks      int    `json:"ticks"`
			IntervalMS int    `json:"intervalMs"`
			Token      string `json:"token"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, rpcservice.NewError(-32602, "invalid watch params")
			}
		}
		if params.Ticks <= 0 {
			params.Ticks = 10
		}
		if params.IntervalMS <= 0 {
			params.IntervalMS = 1000
		}
		if params.Token == "" {
			params.Token = req.ID
		}

		em := rpcservice.EmitterFrom(ctx)
		// Keep ticking after the originating request disconnects; the
		// emissions are redirected to the standalone channel and
		// replayed when the client resumes.
		go func() {
			bg := context.WithoutCancel(ctx)
			for i := 1; i <= params.Ticks; i++ {
				time.Sleep(time.Duration(params.IntervalMS) * time.Millisecond)
				if em != nil {
					_ = em.Progress(bg, params.Token, float64(i), float64(params.Ticks))
				}
			}
		}()
		return map[string]any{"watching": true, "ticks": params.Ticks}, nil
	})

	return reg
}

func run(ctx context.Context) error {
	logger, closer := newLogger()
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	elog, err := newEventLog()
	if err != nil {
		return err
	}
	defer elog.Close()

	authn, err := newAuthenticator(ctx)
	if err != nil {
		return err
	}

	store := sessions.NewStore(newRegistry(), elog,
		sessions.WithLogger(logger),
		sessions.WithIdleTimeout(v.GetDuration("idle-timeout")),
		sessions.WithGracePeriod(v.GetDuration("grace-period")),
		sessions.WithReapInterval(v.GetDuration("reap-interval")),
		sessions.WithEventRetention(v.GetDuration("event-retention")),
	)

	handler, err := streaminghttp.New(store, authn,
		streaminghttp.WithEndpointPath(v.GetString("endpoint-path")),
		streaminghttp.WithLogger(logger),
		streaminghttp.WithRealm("relayd"),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper stopped", slog.String("err", err.Error()))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", srv.Addr),
			slog.String("endpoint", v.GetString("endpoint-path")),
			slog.String("backend", v.GetString("backend")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
