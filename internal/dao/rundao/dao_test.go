package rundao

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
)

func TestParsePK(t *testing.T) {
	tests := []struct {
		name         string
		pk           PK
		wantService  string
		wantHardware string
		wantErr      bool
	}{
		{
			name:         "valid PK",
			pk:           NewPK("llm-uservice", "gaudi"),
			wantService:  "llm-uservice",
			wantHardware: "gaudi",
		},
		{
			name:    "no slash",
			pk:      PK("llm-uservice"),
			wantErr: true,
		},
		{
			name:    "too many slashes",
			pk:      PK("llm/uservice/gaudi"),
			wantErr: true,
		},
		{
			name:    "empty hardware",
			pk:      PK("llm-uservice/"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, hardware, err := ParsePK(tt.pk)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantService, service)
			assert.Equal(t, tt.wantHardware, hardware)
		})
	}
}

func TestParseID(t *testing.T) {
	pk, sk, err := ParseID(ID("chatqna/xeon:2HFj3kLmNoPqRsTuVwXy"))
	assert.NoError(t, err)
	assert.Equal(t, PK("chatqna/xeon"), pk)
	assert.Equal(t, "2HFj3kLmNoPqRsTuVwXy", sk)

	_, _, err = ParseID(ID("chatqna/xeon"))
	assert.Error(t, err)
}

func TestRecord_GetID(t *testing.T) {
	record := Record{PK: NewPK("chatqna", "xeon"), SK: "abc"}
	assert.Equal(t, ID("chatqna/xeon:abc"), record.GetID())

	record.ID = ID("other/nv:def")
	assert.Equal(t, ID("other/nv:def"), GetID(record))
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInstalling.Terminal())
	assert.False(t, StatusTesting.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

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
		tableName = fmt.Sprintf("runs-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	err = table.CreateTableIfNotExists(ctx)
	assert.NoError(t, err)

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}
