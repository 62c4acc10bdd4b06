package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andrei-cloud/duplex"
	"github.com/andrei-cloud/duplex/internal/config"
	"github.com/andrei-cloud/duplex/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		port       uint16
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo and broadcast server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().Uint16VarP(&port, "port", "p", config.DefaultPort, "port to listen on")

	return cmd
}

// echoHandler greets validated clients, echoes pings and relays broadcasts.
type echoHandler struct {
	srv *server.Server[msgType]
	log zerolog.Logger
}

func (h *echoHandler) OnClientConnect(c *duplex.Connection[msgType]) bool {
	h.log.Debug().Stringer("remote", c.RemoteAddr()).Msg("client connecting")
	return true
}

func (h *echoHandler) OnClientValidated(c *duplex.Connection[msgType]) {
	c.Send(duplex.NewMessage(msgAccept))
}

func (h *echoHandler) OnClientDisconnect(c *duplex.Connection[msgType]) {
	h.log.Info().Uint32("id", c.ID()).Msg("client removed")
}

func (h *echoHandler) OnMessage(c *duplex.Connection[msgType], msg duplex.Message[msgType]) {
	switch msg.Header.ID {
	case msgPing:
		h.log.Debug().Uint32("id", c.ID()).Msg("ping")
		h.srv.MessageClient(c, msg)
	case msgBroadcast:
		out := duplex.NewMessage(msgServerMessage)
		if err := duplex.Append(&out, c.ID()); err != nil {
			h.log.Error().Err(err).Msg("build broadcast")
			return
		}
		h.srv.MessageAllClients(out, c)
	default:
		h.log.Warn().Uint32("id", c.ID()).Stringer("msg", msg).Msg("unknown message")
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	log := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sc := cfg.ServerConfig()
	sc.Logger = duplex.NewZerologLogger(log.With().Str("component", "server").Logger())
	sc.Metrics = duplex.NewMetrics(duplex.WithRegistry(reg))

	h := &echoHandler{log: log}
	srv, err := server.NewServer[msgType](cfg.Port, h, sc)
	if err != nil {
		return err
	}
	h.srv = srv

	if err := srv.Start(); err != nil {
		return err
	}

	// Update has no cancellation; the goroutine ends with the process.
	go func() {
		for {
			srv.Update(server.Unlimited, true)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		var errs []error
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			errs = append(errs, metricsSrv.Shutdown(shutdownCtx))
		}
		errs = append(errs, srv.Stop())

		return errors.Join(errs...)
	})

	return g.Wait()
}
