package rundao

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/opea-comps/internal/errors"
)

const latest = "latest"

// PK represents a DynamoDB partition key in format {service}/{hardware}
// Example: llm-uservice/gaudi
type PK string

// NewPK creates a new partition key from service and hardware
func NewPK(service, hardware string) PK {
	return PK(fmt.Sprintf("%s/%s", service, hardware))
}

// ParsePK parses a partition key into its service and hardware components
func ParsePK(pk PK) (service, hardware string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {service}/{hardware}", s)
	}
	return parts[0], parts[1], nil
}

func (pk PK) String() string {
	return string(pk)
}

// ID represents a run ID in format {service}/{hardware}:{ksuid}
// Example: llm-uservice/gaudi:2HFj3kLmNoPqRsTuVwXy
type ID string

func (id ID) String() string {
	return string(id)
}

// ParseID parses a run ID into its partition key (pk) and sort key (sk) components
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid run ID format: %s, expected {service}/{hardware}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

// NewID constructs an ID from partition key and sort key
func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// Status of an e2e run
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInstalling Status = "INSTALLING"
	StatusTesting    Status = "TESTING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions follow
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Record represents one e2e run of a chart value file in DynamoDB
type Record struct {
	PK         PK      `ddb:"hash" dynamodbav:"pk"`  // {service}/{hardware}
	SK         string  `ddb:"range" dynamodbav:"sk"` // KSUID
	ID         ID      `dynamodbav:"id,omitempty"`   // ID is only used for latest entries
	Service    string  `dynamodbav:"service,omitempty"`
	Hardware   string  `dynamodbav:"hardware,omitempty"`
	ValueFile  string  `dynamodbav:"value_file,omitempty"`
	ImageTag   string  `dynamodbav:"image_tag,omitempty"`
	Namespace  string  `dynamodbav:"namespace,omitempty"`
	Release    string  `dynamodbav:"release,omitempty"`
	Status     Status  `dynamodbav:"status,omitempty"`
	ErrorMsg   *string `dynamodbav:"error_msg,omitempty"`
	LogKey     *string `dynamodbav:"log_key,omitempty"` // S3 key of the archived test log
	CreatedAt  int64   `dynamodbav:"created_at,omitempty"`
	FinishedAt *int64  `dynamodbav:"finished_at,omitempty"`
	UpdatedAt  int64   `dynamodbav:"updated_at,omitempty"`
}

// GetID returns the full run ID in format: {service}/{hardware}:{ksuid}
func (r *Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

// GetID is the function form of Record.GetID
func GetID(r Record) ID {
	return r.GetID()
}

type CreateInput struct {
	Service   string
	Hardware  string
	SK        string // KSUID sort key
	ValueFile string
	ImageTag  string
	Namespace string
	Release   string
}

type UpdateInput struct {
	PK       PK
	SK       string
	Status   *Status
	ErrorMsg *string
	LogKey   *string
}

// DAO provides data access operations for run records
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Create creates a new run record with initial status PENDING
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	now := time.Now().Unix()

	record := Record{
		PK:        NewPK(input.Service, input.Hardware),
		SK:        input.SK,
		Service:   input.Service,
		Hardware:  input.Hardware,
		ValueFile: input.ValueFile,
		ImageTag:  input.ImageTag,
		Namespace: input.Namespace,
		Release:   input.Release,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.table.Put(&record).RunWithContext(ctx); err != nil {
		return Record{}, fmt.Errorf("failed to create run record: %w", err)
	}

	return record, nil
}

// Find retrieves a run record by ID.
// A missing record returns an error wrapping ErrRunNotFound.
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("%w: %s", errors.ErrRunNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to find run record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrRunNotFound, id)
	}

	return record, nil
}

// Delete removes a run record by ID
func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	if err := d.table.Delete(pk.String()).Range(sk).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to delete run record: %w", err)
	}

	return nil
}

// UpdateStatus updates the status of a run and writes the "latest" magic record.
// The latest record has pk=latest/{hardware} and sk={service}/{hardware} so the most
// recent run of every service on a hardware profile is a single query away.
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	if input.Status == nil {
		return fmt.Errorf("status is required")
	}

	service, hardware, err := ParsePK(input.PK)
	if err != nil {
		return fmt.Errorf("failed to parse PK: %w", err)
	}

	now := time.Now().Unix()

	update := d.table.Update(input.PK.String()).
		Range(input.SK).
		Set("#Status = ?", string(*input.Status)).
		Set("#UpdatedAt = ?", now)

	if input.Status.Terminal() {
		update = update.Set("#FinishedAt = ?", now)
	}
	if input.ErrorMsg != nil {
		update = update.Set("#ErrorMsg = ?", *input.ErrorMsg)
	}
	if input.LogKey != nil {
		update = update.Set("#LogKey = ?", *input.LogKey)
	}

	latestRecord := &Record{
		PK:        NewPK(latest, hardware),
		SK:        input.PK.String(),
		ID:        NewID(input.PK, input.SK),
		Service:   service,
		Hardware:  hardware,
		Status:    *input.Status,
		UpdatedAt: now,
	}
	put := d.table.Put(latestRecord)

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	return nil
}

// Query returns all runs for a {service}/{hardware} partition, oldest first
func (d *DAO) Query(ctx context.Context, pk PK) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", pk.String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	return records, nil
}

// QueryByService returns all runs of a service on a hardware profile
func (d *DAO) QueryByService(ctx context.Context, service, hardware string) ([]Record, error) {
	return d.Query(ctx, NewPK(service, hardware))
}

// QueryLatest returns the latest run of every service on the hardware profile,
// most recently updated first
func (d *DAO) QueryLatest(ctx context.Context, hardware string) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", NewPK(latest, hardware).String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})

	ids := slicex.Map(records, GetID)

	// runs deleted since the latest record was written load as nil and are skipped
	callback := func(ctx context.Context, id ID) (*Record, error) {
		record, err := d.Find(ctx, id)
		if stderrors.Is(err, errors.ErrRunNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &record, nil
	}
	found, err := slicex.MapConcurrent(callback).
		Concurrency(8).
		CollectErrors().
		DoValues(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest runs: %w", err)
	}

	runs := make([]Record, 0, len(found))
	for _, record := range found {
		if record != nil {
			runs = append(runs, *record)
		}
	}
	return runs, nil
}
