package lockdao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
)

const (
	lockSK       = "LOCK"
	lockTTLHours = 4 // Auto-expire leases after 4 hours
)

// PK represents the partition key: {hardware}/{chart}
type PK string

// NewPK creates a partition key from hardware and chart
func NewPK(hardware, chart string) PK {
	return PK(fmt.Sprintf("%s/%s", hardware, chart))
}

// ParsePK parses a partition key into hardware and chart components
func ParsePK(pk PK) (hardware, chart string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {hardware}/{chart}", s)
	}
	return parts[0], parts[1], nil
}

func (pk PK) String() string {
	return string(pk)
}

// ID represents a lease ID in format {hardware}/{chart}:LOCK
// Example: gaudi/chatqna:LOCK
type ID string

// NewID creates an ID from hardware and chart
func NewID(hardware, chart string) ID {
	return ID(fmt.Sprintf("%s:%s", NewPK(hardware, chart), lockSK))
}

// ParseID parses an ID into hardware and chart components
func ParseID(id ID) (hardware, chart string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid ID format: %s, expected {hardware}/{chart}:LOCK", s)
	}
	if parts[1] != lockSK {
		return "", "", fmt.Errorf("invalid ID format: %s, expected SK to be 'LOCK', got '%s'", s, parts[1])
	}
	return ParsePK(PK(parts[0]))
}

func (id ID) String() string {
	return string(id)
}

// Record is the lease one e2e run holds on a chart for a hardware profile of the shared cluster
type Record struct {
	PK         PK     `ddb:"hash" dynamodbav:"pk"`  // {hardware}/{chart}
	SK         string `ddb:"range" dynamodbav:"sk"` // Always "LOCK"
	RunID      string `dynamodbav:"run_id"`         // run holding the lease
	Namespace  string `dynamodbav:"namespace"`      // namespace the holder deploys into
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	TTL        int64  `dynamodbav:"ttl"` // Unix timestamp for DynamoDB TTL expiry
}

func (r *Record) GetID() ID {
	hardware, chart, _ := ParsePK(r.PK)
	return NewID(hardware, chart)
}

// Expired reports whether the lease outlived its TTL at now.
// DynamoDB removes expired items lazily so readers check this themselves.
func (r *Record) Expired(now time.Time) bool {
	return r.TTL > 0 && now.Unix() >= r.TTL
}

type AcquireInput struct {
	Hardware  string
	Chart     string
	RunID     string
	Namespace string
}

type ReleaseInput struct {
	ID    ID
	RunID string // must match the lease holder
}

// DAO provides data access operations for cluster leases
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

// Acquire attempts to take the lease for input.Hardware/input.Chart.
// Acquiring again with the same run id succeeds; an expired lease is taken over.
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	id := NewID(input.Hardware, input.Chart)
	now := time.Now()

	existing, err := d.Find(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing lease: %w", err)
	}

	if existing != nil && !existing.Expired(now) {
		if existing.RunID == input.RunID {
			return existing, true, nil
		}
		return existing, false, nil
	}

	record := &Record{
		PK:         NewPK(input.Hardware, input.Chart),
		SK:         lockSK,
		RunID:      input.RunID,
		Namespace:  input.Namespace,
		AcquiredAt: now.Unix(),
		TTL:        now.Unix() + (lockTTLHours * 3600),
	}

	if err := d.table.Put(record).RunWithContext(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to create lease: %w", err)
	}

	return record, true, nil
}

// Find retrieves a lease by ID. Returns nil if not found.
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	hardware, chart, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var record Record
	err = d.table.Get(NewPK(hardware, chart).String()).
		Range(lockSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}

	return &record, nil
}

// Release gives up a lease. Only the holding run may release it; releasing a missing
// lease is a no-op.
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lease: %w", err)
	}

	if existing == nil {
		return nil
	}

	if existing.RunID != input.RunID {
		return fmt.Errorf("lease not held by run %s (held by %s)", input.RunID, existing.RunID)
	}

	return d.Delete(ctx, input.ID)
}

// Delete removes a lease regardless of holder
func (d *DAO) Delete(ctx context.Context, id ID) error {
	hardware, chart, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(NewPK(hardware, chart).String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	return nil
}
