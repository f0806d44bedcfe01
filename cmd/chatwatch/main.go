// Command chatwatch is the operational driver for the message fabric:
// test (validate external reachability), historical (bounded
// back-fill), and monitor (run the scheduler and task bus).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/igoryan-dao/chatwatch/internal/app"
	"github.com/igoryan-dao/chatwatch/internal/config"
)

const (
	exitSuccess         = 0
	exitConfigError     = 1
	exitSessionConflict = 2
	exitExternalFailure = 3
)

var configPath string

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "chatwatch",
		Short: "Message-processing fabric: fetch, classify, and fan out chat messages",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "chatwatch.yaml", "path to the configuration document")

	code := exitSuccess
	root.AddCommand(testCmd(&code), historicalCmd(&code), monitorCmd(&code))

	if err := root.Execute(); err != nil {
		if code == exitSuccess {
			code = exitConfigError
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return code
}

func testCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Validate connectivity to every external dependency",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(code)
			if err != nil {
				return err
			}
			if err := a.RunTest(signalContext()); err != nil {
				*code = classifyRuntimeError(err)
				return err
			}
			return nil
		},
	}
}

func historicalCmd(code *int) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "historical",
		Short: "Run one bounded back-fill cycle across every channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(code)
			if err != nil {
				return err
			}
			if err := a.RunHistorical(signalContext(), limit); err != nil {
				*code = classifyRuntimeError(err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum messages to pull per channel")
	return cmd
}

func monitorCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Start the scheduler and task bus and run until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(code)
			if err != nil {
				return err
			}
			if err := a.RunMonitor(signalContext()); err != nil {
				*code = classifyRuntimeError(err)
				return err
			}
			return nil
		},
	}
}

func loadApp(code *int) (*app.App, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		*code = exitConfigError
		return nil, err
	}
	a, err := app.Build(doc)
	if err != nil {
		*code = exitConfigError
		return nil, err
	}
	return a, nil
}

// classifyRuntimeError maps a returned error to the exit code spec.md
// §6 documents: session-safety refusals get 2, everything else that
// reaches this layer is an unrecoverable external failure (3).
func classifyRuntimeError(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "session_conflict") ||
		strings.Contains(msg, "sessionguard: busy") ||
		strings.Contains(msg, "sessionguard: conflict") {
		return exitSessionConflict
	}
	return exitExternalFailure
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, giving
// RunMonitor's shutdown path a chance to drain in-flight work.
func signalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
		log.Printf("shutdown signal received, draining in-flight work")
	}()
	return ctx
}
