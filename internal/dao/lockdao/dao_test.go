package lockdao

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
)

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	assert.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("locks-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	err = table.CreateTableIfNotExists(ctx)
	assert.NoError(t, err)

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name         string
		id           ID
		wantHardware string
		wantChart    string
		wantErr      bool
	}{
		{name: "valid", id: NewID("gaudi", "chatqna"), wantHardware: "gaudi", wantChart: "chatqna"},
		{name: "wrong sk", id: ID("gaudi/chatqna:OTHER"), wantErr: true},
		{name: "missing sk", id: ID("gaudi/chatqna"), wantErr: true},
		{name: "bad pk", id: ID("chatqna:LOCK"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hardware, chart, err := ParseID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantHardware, hardware)
			assert.Equal(t, tt.wantChart, chart)
		})
	}
}

func TestRecord_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, (&Record{TTL: 2000}).Expired(now))
	assert.True(t, (&Record{TTL: 1000}).Expired(now))
	assert.False(t, (&Record{}).Expired(now))
}

func TestDAO(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		t.Run("Acquire_Success", func(t *testing.T) {
			runID := ksuid.New().String()

			record, acquired, err := dao.Acquire(ctx, AcquireInput{
				Hardware:  "gaudi",
				Chart:     "acquire-chart",
				RunID:     runID,
				Namespace: "acquire-chart-0a1b2c3d",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
			assert.NotNil(t, record)

			lock, err := dao.Find(ctx, NewID("gaudi", "acquire-chart"))
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, runID, lock.RunID)
			assert.Equal(t, "acquire-chart-0a1b2c3d", lock.Namespace)
			assert.Equal(t, "gaudi/acquire-chart:LOCK", lock.GetID().String())
			assert.Greater(t, lock.TTL, lock.AcquiredAt)
		})

		t.Run("Acquire_Conflict", func(t *testing.T) {
			runID1 := ksuid.New().String()
			runID2 := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "xeon", Chart: "conflict", RunID: runID1})
			assert.NoError(t, err)
			assert.True(t, acquired)

			holder, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "xeon", Chart: "conflict", RunID: runID2})
			assert.NoError(t, err)
			assert.False(t, acquired)
			assert.Equal(t, runID1, holder.RunID)
		})

		t.Run("Acquire_Idempotent", func(t *testing.T) {
			input := AcquireInput{Hardware: "xeon", Chart: "idempotent", RunID: ksuid.New().String()}

			_, acquired, err := dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired)

			_, acquired, err = dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Acquire_TakesOverExpired", func(t *testing.T) {
			stale := &Record{
				PK:         NewPK("nv", "expired"),
				SK:         lockSK,
				RunID:      "stale-run",
				AcquiredAt: time.Now().Add(-5 * time.Hour).Unix(),
				TTL:        time.Now().Add(-time.Hour).Unix(),
			}
			assert.NoError(t, dao.table.Put(stale).RunWithContext(ctx))

			runID := ksuid.New().String()
			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "nv", Chart: "expired", RunID: runID})
			assert.NoError(t, err)
			assert.True(t, acquired)

			lock, err := dao.Find(ctx, NewID("nv", "expired"))
			assert.NoError(t, err)
			assert.Equal(t, runID, lock.RunID)
		})

		t.Run("Find_NoLock", func(t *testing.T) {
			lock, err := dao.Find(ctx, NewID("xeon", "no-lock"))
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		t.Run("Release_Success", func(t *testing.T) {
			runID := ksuid.New().String()
			id := NewID("gaudi", "release")

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "gaudi", Chart: "release", RunID: runID})
			assert.NoError(t, err)
			assert.True(t, acquired)

			assert.NoError(t, dao.Release(ctx, ReleaseInput{ID: id, RunID: runID}))

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		t.Run("Release_NotHolder", func(t *testing.T) {
			runID1 := ksuid.New().String()
			id := NewID("gaudi", "wrong-release")

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "gaudi", Chart: "wrong-release", RunID: runID1})
			assert.NoError(t, err)
			assert.True(t, acquired)

			err = dao.Release(ctx, ReleaseInput{ID: id, RunID: ksuid.New().String()})
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "lease not held by run")

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, runID1, lock.RunID)
		})

		t.Run("Release_NoLock", func(t *testing.T) {
			err := dao.Release(ctx, ReleaseInput{ID: NewID("xeon", "nothing"), RunID: ksuid.New().String()})
			assert.NoError(t, err)
		})

		t.Run("Delete", func(t *testing.T) {
			id := NewID("xeon", "force")

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "xeon", Chart: "force", RunID: ksuid.New().String()})
			assert.NoError(t, err)
			assert.True(t, acquired)

			assert.NoError(t, dao.Delete(ctx, id))

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		t.Run("HardwareIsolation", func(t *testing.T) {
			_, acquired, err := dao.Acquire(ctx, AcquireInput{Hardware: "xeon", Chart: "isolated", RunID: ksuid.New().String()})
			assert.NoError(t, err)
			assert.True(t, acquired)

			_, acquired, err = dao.Acquire(ctx, AcquireInput{Hardware: "gaudi", Chart: "isolated", RunID: ksuid.New().String()})
			assert.NoError(t, err)
			assert.True(t, acquired)
		})
	})
}
