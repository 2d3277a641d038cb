package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/graphsync"
)

func init() {
	watchCmd.Flags().StringSlice("types", nil, "event types to watch (default: all)")
	watchCmd.Flags().String("user", "", "only events by this actor")
	watchCmd.Flags().StringSlice("entity", nil, "only events for these entity ids")
	watchCmd.Flags().StringSlice("entity-type", nil, "only events for these entity types")
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live graph events as JSON lines",
	Long:  "Connect to the graph server and print every matching event to stdout, one JSON object per line.\nStops on SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := watchSpec(cmd)
		if err != nil {
			return err
		}
		out := &jsonLines{enc: json.NewEncoder(os.Stdout)}
		spec.Handler = out

		sess, _, err := openSession(graphsync.WithNotifier(&statusLogger{}))
		if err != nil {
			return err
		}
		defer sess.Close()
		if _, err := sess.client.Subscribe(spec); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			srv := serveMetrics(addr, sess.client, sess.log)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := sess.client.Connect(connectCtx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		sess.log.Info("watching", zap.Int("types", len(spec.EventTypes)))

		<-ctx.Done()
		return nil
	},
}

func watchSpec(cmd *cobra.Command) (graphsync.SubscriptionSpec, error) {
	var spec graphsync.SubscriptionSpec
	types, _ := cmd.Flags().GetStringSlice("types")
	if len(types) == 0 {
		spec.EventTypes = graphsync.AllEventTypes
	}
	for _, t := range types {
		et := graphsync.EventType(t)
		if !et.Valid() {
			return spec, fmt.Errorf("unknown event type %q", t)
		}
		spec.EventTypes = append(spec.EventTypes, et)
	}
	spec.Filters.ActorID, _ = cmd.Flags().GetString("user")
	spec.Filters.EntityIDs, _ = cmd.Flags().GetStringSlice("entity")
	spec.Filters.EntityTypes, _ = cmd.Flags().GetStringSlice("entity-type")
	return spec, nil
}

// jsonLines prints each event as one JSON document.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (j *jsonLines) HandleEvent(ev graphsync.GraphEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(ev)
}

// statusLogger reports connection changes on stderr.
type statusLogger struct {
	graphsync.NopNotifier
}

func (statusLogger) StatusChanged(s graphsync.ConnectionStatus) {
	if s.Err != nil {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", s.State, s.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s]\n", s.State)
}

func serveMetrics(addr string, client *graphsync.Client, log *zap.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(graphsync.NewMetricsCollector(client, "graphsync"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
