// Package config holds the gateway's immutable configuration record,
// populated once at startup from CLI flags with environment-variable
// fallback.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Config is populated once at startup and never mutated afterward. Every
// other component receives it (or the fields it needs) by value or pointer,
// never re-reads the environment or flags directly.
type Config struct {
	ClientID          string
	ClientSecret      string
	RepoPath          string
	ListenAddr        string
	DBPath            string
	ForceCacheRebuild bool
	LogLevel          string
}

// Defaults for every configurable option.
const (
	DefaultRepoPath = "/restic-backup"
	DefaultListen   = "127.0.0.1:8000"
	DefaultDBPath   = "cache-123pan.db"
	DefaultLogLevel = "info"
)

// BindFlags registers every configurable option on cmd. Call Load after
// cmd's flags have been parsed.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("client-id", "", "cloud OAuth client id (env PAN123_CLIENT_ID)")
	flags.String("client-secret", "", "cloud OAuth secret (env PAN123_CLIENT_SECRET)")
	flags.String("repo-path", DefaultRepoPath, "absolute path of the repository root in the cloud (env PAN123_REPO_PATH)")
	flags.String("listen-addr", DefaultListen, "HTTP bind address (env LISTEN_ADDR)")
	flags.String("db-path", DefaultDBPath, "metadata-cache store path (env DB_PATH)")
	flags.Bool("force-cache-rebuild", false, "skip the has-children short-circuit during warmup (env FORCE_CACHE_REBUILD)")
	flags.String("log-level", DefaultLogLevel, "observability log level (env LOG_LEVEL)")
}

// Load reads every option from cmd's flags, falling back to the matching
// environment variable, then the flag's own default, and validates that the
// required credentials are present.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{
		ClientID:          stringOpt(cmd, "client-id", "PAN123_CLIENT_ID"),
		ClientSecret:      stringOpt(cmd, "client-secret", "PAN123_CLIENT_SECRET"),
		RepoPath:          stringOpt(cmd, "repo-path", "PAN123_REPO_PATH"),
		ListenAddr:        stringOpt(cmd, "listen-addr", "LISTEN_ADDR"),
		DBPath:            stringOpt(cmd, "db-path", "DB_PATH"),
		ForceCacheRebuild: boolOpt(cmd, "force-cache-rebuild", "FORCE_CACHE_REBUILD"),
		LogLevel:          stringOpt(cmd, "log-level", "LOG_LEVEL"),
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client_id and client_secret are required (flags --client-id/--client-secret or PAN123_CLIENT_ID/PAN123_CLIENT_SECRET)")
	}

	return cfg, nil
}

// stringOpt resolves a string option: explicit flag > env var > flag default.
func stringOpt(cmd *cobra.Command, flagName, envName string) string {
	flag := cmd.Flags().Lookup(flagName)
	if flag.Changed {
		return flag.Value.String()
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return flag.Value.String()
}

// boolOpt resolves a boolean option: explicit flag > env var > flag default.
func boolOpt(cmd *cobra.Command, flagName, envName string) bool {
	flag := cmd.Flags().Lookup(flagName)
	if flag.Changed {
		v, _ := cmd.Flags().GetBool(flagName)
		return v
	}
	if v := os.Getenv(envName); v != "" {
		return v == "1" || v == "true"
	}
	v, _ := cmd.Flags().GetBool(flagName)
	return v
}
