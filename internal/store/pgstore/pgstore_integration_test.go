package pgstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/memoryledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

const testDatabaseURLEnv = "MEMORYLEDGER_TEST_DATABASE_URL"

var integrationStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// openTestPool migrates a throwaway schema on the database named by
// MEMORYLEDGER_TEST_DATABASE_URL and returns a pool scoped to it.
func openTestPool(test *testing.T) *pgxpool.Pool {
	test.Helper()
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", testDatabaseURLEnv)
	}
	ctx := context.Background()
	schema := "pgstore_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, databaseURL)
	require.NoError(test, err)
	_, err = admin.Exec(ctx, "create schema "+schema)
	require.NoError(test, err)
	test.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "drop schema "+schema+" cascade")
		_ = admin.Close(context.Background())
	})

	config, err := pgxpool.ParseConfig(databaseURL)
	require.NoError(test, err)
	config.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(test, err)
	test.Cleanup(pool.Close)

	db := stdlib.OpenDBFromPool(pool)
	test.Cleanup(func() { _ = db.Close() })
	require.NoError(test, migrations.Up(db))
	return pool
}

// steppingClock advances one second per call so listed transactions have a stable order.
func steppingClock() func() time.Time {
	var ticks atomic.Int64
	return func() time.Time {
		return integrationStart.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

func newIntegrationService(test *testing.T) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(New(openTestPool(test)), steppingClock())
	require.NoError(test, err)
	return service
}

func mustIntegrationUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func mustIntegrationCredits(test *testing.T, raw int64) ledger.Credits {
	test.Helper()
	credits, err := ledger.NewPositiveCredits(raw)
	require.NoError(test, err)
	return credits
}

func TestStoreGrantDebitAndList(test *testing.T) {
	service := newIntegrationService(test)
	ctx := context.Background()
	userID := mustIntegrationUserID(test, "buyer")
	externalRef, err := ledger.NewExternalRef("cs_pg_1")
	require.NoError(test, err)
	subjectRef, err := ledger.NewSubjectRef("job-1")
	require.NoError(test, err)
	grant := ledger.GrantRequest{UserID: userID, Amount: mustIntegrationCredits(test, 20), ExternalRef: externalRef, PackageRef: "starter"}

	first, err := service.Grant(ctx, grant)
	require.NoError(test, err)
	assert.False(test, first.Duplicate)
	assert.Equal(test, ledger.Credits(20), first.Balance)

	replay, err := service.Grant(ctx, grant)
	require.NoError(test, err)
	assert.True(test, replay.Duplicate)
	assert.Equal(test, first.TransactionID, replay.TransactionID)

	debit, err := service.Debit(ctx, ledger.DebitRequest{UserID: userID, Amount: mustIntegrationCredits(test, 7), SubjectRef: subjectRef})
	require.NoError(test, err)
	assert.Equal(test, ledger.Credits(13), debit.Balance)

	account, err := service.Balance(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.Credits(13), account.Balance)
	assert.Equal(test, ledger.Credits(20), account.TotalGranted)
	assert.Equal(test, ledger.Credits(7), account.TotalSpent)

	transactions, err := service.Transactions(ctx, userID, time.Time{}, 10)
	require.NoError(test, err)
	require.Len(test, transactions, 2)
	assert.Equal(test, ledger.KindSpend, transactions[0].Kind)
	assert.Equal(test, "job-1", transactions[0].SubjectRef)
	assert.Equal(test, int64(-7), transactions[0].Amount)
	assert.Equal(test, ledger.KindGrant, transactions[1].Kind)
	assert.Equal(test, "cs_pg_1", transactions[1].ExternalRef)
	assert.Equal(test, int64(20), transactions[1].BalanceAfter)
	assert.Contains(test, transactions[1].Metadata.String(), "starter")
}

func TestStoreConcurrentDebitsNeverOverdraw(test *testing.T) {
	service := newIntegrationService(test)
	ctx := context.Background()
	userID := mustIntegrationUserID(test, "artist")
	externalRef, err := ledger.NewExternalRef("cs_pg_race")
	require.NoError(test, err)
	_, err = service.Grant(ctx, ledger.GrantRequest{UserID: userID, Amount: mustIntegrationCredits(test, 20), ExternalRef: externalRef})
	require.NoError(test, err)

	var succeeded, rejected atomic.Int32
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range []string{"job-a", "job-b"} {
		group.Go(func() error {
			subjectRef, err := ledger.NewSubjectRef(job)
			if err != nil {
				return err
			}
			_, err = service.Debit(groupCtx, ledger.DebitRequest{UserID: userID, Amount: mustIntegrationCredits(test, 15), SubjectRef: subjectRef})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(test, group.Wait())

	assert.Equal(test, int32(1), succeeded.Load())
	assert.Equal(test, int32(1), rejected.Load())
	account, err := service.Balance(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.Credits(5), account.Balance)
	assert.Equal(test, ledger.Credits(15), account.TotalSpent)
	transactions, err := service.Transactions(ctx, userID, time.Time{}, 10)
	require.NoError(test, err)
	require.Len(test, transactions, 2)
	assert.Equal(test, ledger.KindSpend, transactions[0].Kind)
}
