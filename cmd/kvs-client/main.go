// Package main provides the entry point for the kvs client. Each
// subcommand performs one request against a running server; repl starts
// an interactive loop.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaiwk/kvs/internal/cli"
	"github.com/kaiwk/kvs/internal/client"
	"github.com/kaiwk/kvs/internal/config"
	"github.com/kaiwk/kvs/internal/engine"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	var addr string

	rootCmd := &cobra.Command{
		Use:           "kvs-client",
		Short:         "A key-value store client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", config.DefaultAddr, "server address (host:port)")

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.New(addr).Set(args[0], args[1])
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := client.New(addr).Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				// A miss is not a failure for get.
				fmt.Println("Key not found")
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(addr).Remove(args[0]); err != nil {
				if engine.IsNotFound(err) {
					fmt.Fprintln(os.Stderr, "Key not found")
					os.Exit(1)
				}
				return err
			}
			return nil
		},
	}

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.NewHandler(client.New(addr), os.Stdin, os.Stdout).Run()
		},
	}

	rootCmd.AddCommand(setCmd, getCmd, rmCmd, replCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
