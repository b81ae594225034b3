package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const ledgerTTL = 30 * 24 * time.Hour

// LedgerStatus is the lifecycle of one conversation within a run.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
)

// ErrLedgerEntryNotFound indicates the run has no entry for the scenario.
var ErrLedgerEntryNotFound = errors.New("archive: ledger entry not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// LedgerEntry is the persisted progress of one conversation.
type LedgerEntry struct {
	RunID        string       `dynamodbav:"runId"`
	ScenarioID   string       `dynamodbav:"scenarioId"`
	Status       LedgerStatus `dynamodbav:"status"`
	Agent        string       `dynamodbav:"agent,omitempty"`
	Endpoint     string       `dynamodbav:"endpoint,omitempty"`
	ErrorMessage string       `dynamodbav:"errorMessage,omitempty"`
	CreatedAt    string       `dynamodbav:"createdAt"`
	UpdatedAt    string       `dynamodbav:"updatedAt"`
	ExpiresAt    int64        `dynamodbav:"expiresAt,omitempty"`
}

// Ledger tracks which conversations of a run are in flight or finished, so an
// interrupted run can be inspected from outside the process.
type Ledger interface {
	MarkPending(ctx context.Context, runID, scenarioID, agent string) error
	MarkFinished(ctx context.Context, rec *titration.ConversationRecord) error
}

// DynamoLedger is a Ledger backed by a DynamoDB table keyed on runId/scenarioId.
type DynamoLedger struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

var _ Ledger = (*DynamoLedger)(nil)

func NewDynamoLedger(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoLedger {
	if client == nil {
		panic("archive: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("archive: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoLedger{client: client, tableName: tableName, logger: logger, now: time.Now}
}

// MarkPending inserts a pending entry. An existing entry is never overwritten.
func (l *DynamoLedger) MarkPending(ctx context.Context, runID, scenarioID, agent string) error {
	if runID == "" || scenarioID == "" {
		return errors.New("archive: runID and scenarioID required")
	}
	now := l.now().UTC()
	entry := LedgerEntry{
		RunID:      runID,
		ScenarioID: scenarioID,
		Status:     LedgerPending,
		Agent:      agent,
		CreatedAt:  now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ledgerTTL).Unix(),
	}
	entry.UpdatedAt = entry.CreatedAt

	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("archive: failed to marshal ledger entry: %w", err)
	}
	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(scenarioId)"),
	})
	if err != nil {
		return fmt.Errorf("archive: failed to persist ledger entry: %w", err)
	}
	return nil
}

// MarkFinished moves the entry to completed or failed according to the record.
func (l *DynamoLedger) MarkFinished(ctx context.Context, rec *titration.ConversationRecord) error {
	if rec == nil {
		return errors.New("archive: record cannot be nil")
	}
	status := LedgerCompleted
	if rec.Status == titration.StatusFailed {
		status = LedgerFailed
	}
	endpoint := ""
	if rec.Outcome != nil {
		endpoint = string(rec.Outcome.Endpoint)
	}

	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key:       ledgerKey(rec.RunID, rec.ScenarioID),
		UpdateExpression: aws.String(
			"SET #status = :status, #endpoint = :endpoint, #error = :error, #updated = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#status":   "status",
			"#endpoint": "endpoint",
			"#error":    "errorMessage",
			"#updated":  "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: string(status)},
			":endpoint": &types.AttributeValueMemberS{Value: endpoint},
			":error":    &types.AttributeValueMemberS{Value: rec.Error},
			":updated":  &types.AttributeValueMemberS{Value: l.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(scenarioId)"),
	})
	if err != nil {
		return fmt.Errorf("archive: failed to update ledger entry %s: %w", rec.ScenarioID, err)
	}
	return nil
}

// Get fetches one entry.
func (l *DynamoLedger) Get(ctx context.Context, runID, scenarioID string) (*LedgerEntry, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key:       ledgerKey(runID, scenarioID),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to fetch ledger entry: %w", err)
	}
	if out.Item == nil {
		return nil, ErrLedgerEntryNotFound
	}
	var entry LedgerEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return nil, fmt.Errorf("archive: failed to decode ledger entry: %w", err)
	}
	return &entry, nil
}

func ledgerKey(runID, scenarioID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"runId":      &types.AttributeValueMemberS{Value: runID},
		"scenarioId": &types.AttributeValueMemberS{Value: scenarioID},
	}
}
