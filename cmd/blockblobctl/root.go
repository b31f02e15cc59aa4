//go:build linux

// Package main implements blockblobctl, the command-line front end for
// the blockblob store: creating/opening/closing/deleting blobs,
// composing clones, and inspecting a store's contents.
//
// Grounded on the teacher's cmd/root.go: a single persistent cobra.Command
// carrying global flags, a PersistentPreRunE that loads configuration
// and wires up github.com/projecteru2/core/log, and per-subsystem command
// groups registered from sibling files the way cmd/images, cmd/vm, and
// cmd/others do.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/blockblob/config"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
)

var (
	cfgFile string
	conf    *config.Config
	locks   = pathlock.New()
	disk    diskutil.Interface = diskutil.Linux{}
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "blockblobctl",
		Short:        "blockblobctl - content-addressed block-blob store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(storeCommands()...)
	cmd.AddCommand(blobCommands()...)
	cmd.AddCommand(cloneCommand())

	return cmd
}()

// Execute is the main entry point called from main().
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	loaded, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	conf = loaded
	return log.SetupLog(ctx, conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
