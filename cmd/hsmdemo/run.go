package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stateweave/hsm"
	"github.com/stateweave/hsm/internal/logging"
	"github.com/stateweave/hsm/pkg/metrics"
	"github.com/stateweave/hsm/pkg/plantuml"
)

func newExampleCmd(ex example) *cobra.Command {
	return &cobra.Command{
		Use:   ex.name,
		Short: ex.short,
		Long:  ex.short + "\n\n" + ex.help,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExample(cmd, ex)
		},
	}
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")
	level, err := logging.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	return logging.NewWriter(cmd.ErrOrStderr(), level), nil
}

// serveMetrics exposes registry on addr until the returned stop is called.
func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func writeDiagram(path string, model *hsm.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := plantuml.Generate(f, model); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func keySource(cmd *cobra.Command) (source, error) {
	scriptPath, _ := cmd.Flags().GetString("script")
	if scriptPath != "" {
		script, err := loadScript(scriptPath)
		if err != nil {
			return nil, err
		}
		return &scriptSource{events: script.Events}, nil
	}
	in := cmd.InOrStdin()
	lines := &lineSource{scanner: bufio.NewScanner(in)}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out := cmd.OutOrStdout()
		lines.prompt = func() { fmt.Fprint(out, "> ") }
	}
	return lines, nil
}

func runExample(cmd *cobra.Command, ex example) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	config := hsm.Config{Name: ex.name, Logger: logger}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		observer, err := metrics.New(registry)
		if err != nil {
			return err
		}
		config.Observer = observer
		stop, err := serveMetrics(addr, registry, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	sm, err := ex.build(out, config)
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("diagram"); path != "" {
		if err := writeDiagram(path, sm.Model()); err != nil {
			return err
		}
	}
	keys, err := keySource(cmd)
	if err != nil {
		return err
	}
	if _, err := sm.Start(ctx); err != nil {
		return err
	}
	if err := drive(ctx, sm, ex, keys, out, logger); err != nil {
		return err
	}
	if _, err := sm.Stop(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Final state:", sm.State())
	return nil
}

// drive dispatches the events behind each key until the source runs dry or
// "q" is pressed.
func drive(ctx context.Context, sm machine, ex example, keys source, out io.Writer, logger *slog.Logger) error {
	for {
		press, ok, err := keys.Next()
		if err != nil {
			return err
		}
		if !ok || press.Key == "q" {
			return nil
		}
		event, ok := ex.keys[press.Key]
		if !ok {
			fmt.Fprintf(out, "Unknown key %q\n", press.Key)
			continue
		}
		if press.Data != nil {
			event = event.WithData(press.Data)
		}
		response, err := sm.Dispatch(ctx, event)
		if err != nil {
			return fmt.Errorf("dispatching %s: %w", event.Name, err)
		}
		if !response.DidActOrTransition() {
			logger.Info("event ignored", "event", event.Name, "state", sm.State())
		}
	}
}
