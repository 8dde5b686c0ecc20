package config

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd)
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	cmd := newTestCmd()
	cmd.Flags().Set("client-id", "id")
	cmd.Flags().Set("client-secret", "secret")

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoPath != DefaultRepoPath {
		t.Errorf("RepoPath = %q, want %q", cfg.RepoPath, DefaultRepoPath)
	}
	if cfg.ListenAddr != DefaultListen {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListen)
	}
	if cfg.ForceCacheRebuild {
		t.Errorf("ForceCacheRebuild = true, want false")
	}
}

func TestLoadMissingCredentialsFails(t *testing.T) {
	cmd := newTestCmd()
	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when client id/secret are unset")
	}
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("PAN123_CLIENT_ID", "env-id")
	t.Setenv("PAN123_CLIENT_SECRET", "env-secret")
	t.Setenv("PAN123_REPO_PATH", "/custom")

	cmd := newTestCmd()
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientID != "env-id" || cfg.ClientSecret != "env-secret" {
		t.Fatalf("credentials not picked up from env: %+v", cfg)
	}
	if cfg.RepoPath != "/custom" {
		t.Errorf("RepoPath = %q, want /custom", cfg.RepoPath)
	}
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	t.Setenv("PAN123_REPO_PATH", "/from-env")

	cmd := newTestCmd()
	cmd.Flags().Set("client-id", "id")
	cmd.Flags().Set("client-secret", "secret")
	cmd.Flags().Set("repo-path", "/from-flag")

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoPath != "/from-flag" {
		t.Errorf("RepoPath = %q, want /from-flag", cfg.RepoPath)
	}
}
