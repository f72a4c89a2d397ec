package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/spf13/cobra"
)

func newKeysCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage studio API keys (requires --postgres-dsn)",
	}

	var (
		studio        string
		scopes        []string
		mode          string
		approvalLimit string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a studio; the key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := principalFromFlags(studio, scopes, mode, approvalLimit)
			if err != nil {
				return err
			}
			keys, closeDB, err := openKeyStore(cmd.Context(), opts.postgresDSN)
			if err != nil {
				return err
			}
			defer closeDB()

			key, err := keys.CreateKey(cmd.Context(), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:    %s\n", key)
			fmt.Fprintf(out, "prefix: %s\n", auth.LookupPrefix(key))
			return nil
		},
	}
	createCmd.Flags().StringVar(&studio, "studio", "", "studio ID the key acts for")
	createCmd.Flags().StringSliceVar(&scopes, "scopes", nil, "granted scopes, e.g. invoices:*,sessions:read")
	createCmd.Flags().StringVar(&mode, "mode", string(registry.ModeStandard), "policy mode (standard, strict)")
	createCmd.Flags().StringVar(&approvalLimit, "approval-limit", "", `approval limit overriding tool thresholds, e.g. "250 EUR"`)
	_ = createCmd.MarkFlagRequired("studio")

	revokeCmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke the API key with the given prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, closeDB, err := openKeyStore(cmd.Context(), opts.postgresDSN)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := keys.RevokeKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, revokeCmd)
	return cmd
}

func principalFromFlags(studio string, scopes []string, mode, approvalLimit string) (auth.Principal, error) {
	if mode != string(registry.ModeStandard) && mode != string(registry.ModeStrict) {
		return auth.Principal{}, fmt.Errorf("unknown policy mode %q (standard, strict)", mode)
	}
	p := auth.Principal{
		StudioID: studio,
		Scopes:   scopes,
		Mode:     registry.PolicyMode(mode),
	}
	if approvalLimit != "" {
		amount, currency, ok := strings.Cut(strings.TrimSpace(approvalLimit), " ")
		if !ok {
			return auth.Principal{}, fmt.Errorf("approval limit must be \"<amount> <currency>\", got %q", approvalLimit)
		}
		limit, err := registry.NewMoney(amount, strings.TrimSpace(currency))
		if err != nil {
			return auth.Principal{}, fmt.Errorf("approval limit: %w", err)
		}
		p.ApprovalLimit = &limit
	}
	return p, nil
}

func openKeyStore(ctx context.Context, dsn string) (*auth.KeyStore, func(), error) {
	if dsn == "" {
		return nil, nil, errors.New("keys commands need --postgres-dsn or POSTGRES_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	keys := auth.NewKeyStore(db)
	if err := keys.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return keys, func() { _ = db.Close() }, nil
}
