package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/edu-ai-gateway/internal/auth"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/pkg/gateway"
)

// serveCmd runs the HTTP gateway until SIGINT or SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			gw, err := gateway.New(
				gateway.WithFileConfig(configPath),
				gateway.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := gw.Run(ctx); err != nil {
				logger.Error("gateway stopped with error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
}

// startGateway builds the gateway without serving HTTP, for one-shot
// commands.
func startGateway(ctx context.Context) (*gateway.Gateway, func(), error) {
	gw, err := gateway.New(
		gateway.WithFileConfig(configPath),
		gateway.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := gw.Start(ctx); err != nil {
		return nil, nil, err
	}
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gw.Shutdown(shutdownCtx)
	}
	return gw, stop, nil
}

func testConnectionCmd() *cobra.Command {
	var provider string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Send a probe request to one provider",
		Long: `Send a one-line probe to a configured provider, bypassing the cache,
the usage ledger and the scheduler.

Examples:
  edugate test-connection --provider ollama
  edugate test-connection --provider openrouter --timeout 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return fmt.Errorf("--provider is required")
			}
			gw, stop, err := startGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			latency, err := gw.TestConnection(ctx, provider)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %s (%s)\n", provider, gateway.KindOf(err), err)
				return fmt.Errorf("provider %s is not reachable", provider)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK %s: %dms\n", provider, latency.Milliseconds())
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Provider name from the config (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")
	return cmd
}

func listModelsCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "list-models",
		Short: "List the models a provider serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return fmt.Errorf("--provider is required")
			}
			gw, stop, err := startGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			models, err := gw.ListModels(cmd.Context(), provider)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Provider name from the config (required)")
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var subject, role, secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a signed bearer token for local testing",
		Long: `Issue an HS256 token the gateway accepts as an identity. The secret
defaults to security.jwt_secret from the config.

Examples:
  edugate issue-token --subject stu-42 --role student
  edugate issue-token --subject t-7 --role teacher --ttl 8h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if secret == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				secret = cfg.Security.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no signing secret: set --secret or security.jwt_secret")
			}

			token, err := auth.IssueToken(secret, domain.Requester{ID: subject, Role: domain.Role(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Requester ID (required)")
	cmd.Flags().StringVarP(&role, "role", "r", string(domain.RoleStudent), "Role: student, teacher or admin")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to the configured one)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func auditCmd() *cobra.Command {
	var requester, decision, purpose string
	var since time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit records as JSON lines",
		Long: `Print audit records from the configured sink, newest first. Only
persistent sinks (sqlite, postgres, file) have records from earlier runs.

Examples:
  edugate audit --requester stu-42 --limit 20
  edugate audit --decision denied --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, stop, err := startGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			filter := gateway.AuditFilter{
				RequesterID: requester,
				Decision:    domain.Decision(decision),
				Purpose:     domain.Purpose(purpose),
				Limit:       limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			records, err := gw.AuditTrail(cmd.Context(), filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Only records for this requester")
	cmd.Flags().StringVar(&decision, "decision", "", "Only records with this decision: allowed, denied or error")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Only records with this purpose")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum records to print")
	return cmd
}
