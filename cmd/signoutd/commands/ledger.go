package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ledgerstore "signout/internal/ledger/store"
	"signout/internal/platform/postgres"
	platformredis "signout/internal/platform/redis"
)

var errNoLedger = errors.New("no persistent ledger configured: set postgres.url or redis.url")

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Maintain the notification ledger",
	}
	cmd.AddCommand(ledgerMigrateCmd(), ledgerPurgeCmd())
	return cmd
}

func ledgerMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := postgres.Open(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("postgres.url is required")
			}
			defer db.Close()

			if err := ledgerstore.NewPostgres(db).Migrate(ctx); err != nil {
				return err
			}
			log.Info("ledger schema ready")
			return nil
		},
	}
}

func ledgerPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sent, failed and applied entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = cfg.Ledger.Retention
			}
			if floor := cfg.MinLedgerRetention(); olderThan <= floor {
				return fmt.Errorf("--older-than must exceed twice the skew window (%s)", floor)
			}
			n, err := purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info("ledger purged", "removed", n, "older_than", olderThan.String())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default ledger.retention)")
	return cmd
}

func purge(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return 0, err
	}
	if db != nil {
		defer db.Close()
		var n int
		err := postgres.RunInTx(ctx, db, func(ctx context.Context) error {
			var err error
			n, err = ledgerstore.NewPostgres(db).Purge(ctx, cutoff)
			return err
		})
		return n, err
	}

	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return 0, err
	}
	if client == nil {
		return 0, errNoLedger
	}
	defer client.Close()
	return ledgerstore.NewRedis(client.Client).Purge(ctx, cutoff)
}
