package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gluk-w/fleetexec/internal/config"
	"github.com/gluk-w/fleetexec/internal/crypto"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/inventory"
	"github.com/gluk-w/fleetexec/internal/logging"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// exitCodeError carries a remote command's exit code out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	err := root.ExecuteContext(ctx)
	logging.Close()
	if err != nil {
		var exitErr *exitCodeError
		switch {
		case errors.As(err, &exitErr):
			os.Exit(exitErr.code)
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		inventoryPath string
		verbose       bool
	)

	root := &cobra.Command{
		Use:           "fleetexec",
		Short:         "Run commands on remote hosts over pooled SSH connections",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&inventoryPath, "inventory", "", "Inventory file (default $FLEETEXEC_INVENTORY_PATH)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pool and executor activity to stderr")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}
		if inventoryPath != "" {
			config.Cfg.InventoryPath = inventoryPath
		}
		if cmd.Name() == "serve" {
			logging.Init(config.Cfg.LogPath)
		} else if verbose {
			log.SetOutput(os.Stderr)
		} else {
			log.SetOutput(io.Discard)
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(),
		newTestCommand(),
		newExecCommand(),
		newExecMultiCommand(),
		newStatsCommand(),
		newEncryptCommand(),
		newKeygenCommand(),
	)
	return root
}

// newManager builds a Manager from config.Cfg.
func newManager(observer executor.Observer) (*executor.Manager, error) {
	cfg := config.Cfg
	opts := executor.Options{
		Pool: sshpool.Options{
			MaxSize:        cfg.MaxConnectionsPerHost,
			AcquireTimeout: cfg.AcquireTimeout,
			ProbeTimeout:   cfg.ProbeTimeout,
		},
		Workers:           cfg.Workers,
		CommandTimeout:    cfg.CommandTimeout(),
		ConnectTimeout:    cfg.ConnectTimeout(),
		KeepaliveInterval: cfg.KeepaliveInterval(),
		Observer:          observer,
	}
	if cfg.KnownHosts != "" {
		cb, err := sshpool.HostKeyCallback(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		opts.HostKeyCallback = cb
	}
	return executor.New(opts), nil
}

func loadKeyring() (*crypto.Keyring, error) {
	if config.Cfg.FernetKey == "" {
		return nil, nil
	}
	return crypto.NewKeyring(config.Cfg.FernetKey)
}

// loadInventory returns nil when no inventory is configured; targets must
// then be SSH URLs.
func loadInventory() (*inventory.Inventory, error) {
	if config.Cfg.InventoryPath == "" {
		return nil, nil
	}
	keys, err := loadKeyring()
	if err != nil {
		return nil, err
	}
	inv, err := inventory.Load(config.Cfg.InventoryPath, keys)
	if err != nil {
		return nil, err
	}
	log.Printf("Inventory loaded: %d host(s), %d group(s)", len(inv.Names()), len(inv.Groups()))
	return inv, nil
}
