// Command subpipe converts proxy subscriptions into a target configuration
// document, either as a one-shot CLI run or as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes mirror the terminal pipeline status.
const (
	exitSuccess = 0
	exitPartial = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := exitSuccess

	root := &cobra.Command{
		Use:           "subpipe",
		Short:         "代理订阅转换流水线",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newConvertCmd(&code), newServeCmd())
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	return code
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
