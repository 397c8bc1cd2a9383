package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/config"
)

// errNoSecret 离线签发与校验都依赖持久化的密钥
var errNoSecret = errors.New("tokens.secret (CYREAL_TOKENS_SECRET) must be configured")

// =============================================================================
// 🔑 token 命令
// =============================================================================

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or verify operator tokens",
	}
	cmd.AddCommand(newTokenIssueCommand(), newTokenVerifyCommand())
	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		agentID   string
		write     bool
		configure bool
		level     string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for a registered agent id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := offlineManager(cmd)
			if err != nil {
				return err
			}
			perms := tokens.ReadOnly("")
			perms.Write = write
			perms.Configure = configure
			if level != "" {
				perms.SecurityLevel = level
			}
			pair, err := m.IssueFor(agentID, tokens.ResourceID(agentID), perms, ttl)
			if err != nil {
				return err
			}
			return writeJSON(cmd, pair)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent id the token is bound to")
	cmd.Flags().BoolVar(&write, "write", false, "Grant write permission")
	cmd.Flags().BoolVar(&configure, "configure", false, "Grant configure permission")
	cmd.Flags().StringVar(&level, "security-level", "", "Security level recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", tokens.AgentCardTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

// verify 只能检查签名与有效期，吊销状态只存在于运行中的服务器
func newTokenVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a token's signature and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd)
			if err != nil {
				return err
			}
			claims, err := m.Verify(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"id":          claims.ID,
				"subject":     claims.Subject,
				"expiresAt":   claims.ExpiresAt.Time,
				"permissions": claims.Permissions,
			})
		},
	}
}

func offlineManager(cmd *cobra.Command) (*tokens.Manager, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newOfflineManager(cfg)
}

func newOfflineManager(cfg *config.Config) (*tokens.Manager, error) {
	if cfg.Tokens.Secret == "" {
		return nil, errNoSecret
	}
	return tokens.NewManager(tokens.Config{
		Secret:     cfg.Tokens.Secret,
		DefaultTTL: cfg.Tokens.DefaultTTL,
	}, zap.NewNop())
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
