package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"resticgw/internal/config"
	"resticgw/internal/gatewayapp"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resticgw",
	Short: "Restic REST gateway backed by cloud object storage",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Warm the cache and start the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		a, err := gatewayapp.New(cfg)
		if err != nil {
			return fmt.Errorf("initializing gateway: %w", err)
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("gateway server failed: %w", err)
		}
		return nil
	},
}

func init() {
	config.BindFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
