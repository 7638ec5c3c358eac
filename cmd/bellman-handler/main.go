// bellman-handler is a demonstration worker. It registers with a
// coordinator and serves a few utility methods over the wire protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bellmanhq/bellman/pkg/handler"
	"github.com/bellmanhq/bellman/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bellman-handler",
	Short: "Demonstration Bellman handler",
	Long: `A worker process that registers with a Bellman coordinator and
serves the methods echo, sleep and fail. Useful for trying out schedules
and for exercising the retry path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		listen, _ := cmd.Flags().GetString("listen")
		advertise, _ := cmd.Flags().GetString("advertise")
		coordinator, _ := cmd.Flags().GetString("coordinator")
		logLevel, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(logLevel)})

		if advertise == "" {
			advertise = listen
		}

		rt := handler.New(id, advertise, coordinator)
		rt.Register("echo", echoMethod)
		rt.Register("sleep", sleepMethod)
		rt.Register("fail", failMethod)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- rt.Start(ctx, listen)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return rt.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.Flags().String("id", "demo", "handler id")
	rootCmd.Flags().String("listen", ":9100", "method server listen address")
	rootCmd.Flags().String("advertise", "", "advertised address (defaults to --listen)")
	rootCmd.Flags().String("coordinator", "localhost:8081", "coordinator registration endpoint")
	rootCmd.Flags().String("log-level", "info", "log level")
}

// echoMethod returns its params unchanged
func echoMethod(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"echo": params}, nil
}

// sleepMethod blocks for params.seconds, default 1
func sleepMethod(ctx context.Context, params map[string]any) (map[string]any, error) {
	seconds := 1.0
	if v, ok := params["seconds"].(float64); ok {
		seconds = v
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"slept": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failMethod always errors, exercising retry and the execution log
func failMethod(_ context.Context, params map[string]any) (map[string]any, error) {
	msg := "intentional failure"
	if v, ok := params["message"].(string); ok && v != "" {
		msg = v
	}
	return nil, errors.New(msg)
}
