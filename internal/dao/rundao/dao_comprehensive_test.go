package rundao

import (
	"context"
	"testing"

	"github.com/savaki/ddb/v2/ddbtest"
	"github.com/savaki/opea-comps/internal/errors"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDAOComprehensive(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		create := func(t *testing.T, service, hardware string) Record {
			record, err := dao.Create(ctx, CreateInput{
				Service:   service,
				Hardware:  hardware,
				SK:        ksuid.New().String(),
				ValueFile: hardware + "-values.yaml",
				ImageTag:  "ci",
				Namespace: service + "-0a1b2c3d",
				Release:   service + "-19120000",
			})
			require.NoError(t, err)
			return record
		}

		t.Run("Create", func(t *testing.T) {
			record := create(t, "llm-uservice", "gaudi")
			assert.Equal(t, "llm-uservice/gaudi", record.PK.String())
			assert.Equal(t, StatusPending, record.Status)
			assert.Equal(t, "gaudi-values.yaml", record.ValueFile)
			assert.NotZero(t, record.CreatedAt)
			assert.NotZero(t, record.UpdatedAt)
		})

		t.Run("Find", func(t *testing.T) {
			created := create(t, "embedding-usvc", "xeon")

			found, err := dao.Find(ctx, created.GetID())
			require.NoError(t, err)
			assert.Equal(t, created.Service, found.Service)
			assert.Equal(t, created.Namespace, found.Namespace)
			assert.Equal(t, created.Status, found.Status)
		})

		t.Run("Find_NotFound", func(t *testing.T) {
			_, err := dao.Find(ctx, NewID(NewPK("missing", "xeon"), "nope"))
			assert.ErrorIs(t, err, errors.ErrRunNotFound)
		})

		t.Run("Delete", func(t *testing.T) {
			created := create(t, "delete-me", "xeon")

			require.NoError(t, dao.Delete(ctx, created.GetID()))
			_, err := dao.Find(ctx, created.GetID())
			assert.ErrorIs(t, err, errors.ErrRunNotFound)
		})

		t.Run("UpdateStatus_Lifecycle", func(t *testing.T) {
			created := create(t, "guardrails-usvc", "gaudi")

			for _, status := range []Status{StatusInstalling, StatusTesting} {
				s := status
				require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{PK: created.PK, SK: created.SK, Status: &s}))
			}

			found, err := dao.Find(ctx, created.GetID())
			require.NoError(t, err)
			assert.Equal(t, StatusTesting, found.Status)
			assert.Nil(t, found.FinishedAt)

			status := StatusFailed
			msg := "helm test failed"
			logKey := "runs/abc/helm-test.log"
			require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{
				PK:       created.PK,
				SK:       created.SK,
				Status:   &status,
				ErrorMsg: &msg,
				LogKey:   &logKey,
			}))

			found, err = dao.Find(ctx, created.GetID())
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, found.Status)
			require.NotNil(t, found.FinishedAt)
			require.NotNil(t, found.ErrorMsg)
			assert.Equal(t, msg, *found.ErrorMsg)
			require.NotNil(t, found.LogKey)
			assert.Equal(t, logKey, *found.LogKey)
		})

		t.Run("UpdateStatus_RequiresStatus", func(t *testing.T) {
			created := create(t, "no-status", "xeon")
			assert.Error(t, dao.UpdateStatus(ctx, UpdateInput{PK: created.PK, SK: created.SK}))
		})

		t.Run("Query", func(t *testing.T) {
			first := create(t, "query-svc", "nv")
			second := create(t, "query-svc", "nv")
			create(t, "query-svc", "xeon")

			records, err := dao.QueryByService(ctx, "query-svc", "nv")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.ElementsMatch(t, []string{first.SK, second.SK}, []string{records[0].SK, records[1].SK})
		})

		t.Run("QueryLatest", func(t *testing.T) {
			older := create(t, "latest-a", "rocm")
			success := StatusSuccess
			require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{PK: older.PK, SK: older.SK, Status: &success}))

			newer := create(t, "latest-a", "rocm")
			failed := StatusFailed
			require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{PK: newer.PK, SK: newer.SK, Status: &failed}))

			other := create(t, "latest-b", "rocm")
			inProgress := StatusTesting
			require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{PK: other.PK, SK: other.SK, Status: &inProgress}))

			runs, err := dao.QueryLatest(ctx, "rocm")
			require.NoError(t, err)
			require.Len(t, runs, 2)

			bySK := map[string]Record{}
			for _, r := range runs {
				bySK[r.SK] = r
			}
			assert.Equal(t, StatusFailed, bySK[newer.SK].Status)
			assert.Equal(t, StatusTesting, bySK[other.SK].Status)
			assert.NotContains(t, bySK, older.SK)
		})

		t.Run("QueryLatest_SkipsDeleted", func(t *testing.T) {
			created := create(t, "deleted-svc", "gaudi2")
			status := StatusSuccess
			require.NoError(t, dao.UpdateStatus(ctx, UpdateInput{PK: created.PK, SK: created.SK, Status: &status}))
			require.NoError(t, dao.Delete(ctx, created.GetID()))

			runs, err := dao.QueryLatest(ctx, "gaudi2")
			require.NoError(t, err)
			assert.Empty(t, runs)
		})

		t.Run("QueryLatest_ReturnsLookupErrors", func(t *testing.T) {
			broken := &Record{
				PK:        NewPK(latest, "gaudi3"),
				SK:        "broken/gaudi3",
				ID:        "broken-without-sort-key",
				Status:    StatusSuccess,
				UpdatedAt: 1,
			}
			require.NoError(t, dao.table.Put(broken).RunWithContext(ctx))

			_, err := dao.QueryLatest(ctx, "gaudi3")
			require.Error(t, err)
			assert.NotErrorIs(t, err, errors.ErrRunNotFound)
			assert.Contains(t, err.Error(), "invalid run ID format")
		})
	})
}
