package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// fakeDynamo keeps items in memory keyed by runId|scenarioId and applies the
// two update expressions the ledger issues.
type fakeDynamo struct {
	items   map[string]map[string]types.AttributeValue
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	putErr  error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(key map[string]types.AttributeValue) string {
	run := key["runId"].(*types.AttributeValueMemberS).Value
	sc := key["scenarioId"].(*types.AttributeValueMemberS).Value
	return run + "|" + sc
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	k := itemKey(in.Item)
	if _, exists := f.items[k]; exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	k := itemKey(in.Key)
	item, ok := f.items[k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	for placeholder, attr := range in.ExpressionAttributeNames {
		item[attr] = in.ExpressionAttributeValues[":"+placeholder[1:]]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func TestDynamoLedger_Lifecycle(t *testing.T) {
	db := newFakeDynamo()
	ledger := NewDynamoLedger(db, "titration-runs", nil)
	ledger.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, ledger.MarkPending(ctx, "run-1", "sc-1", "titration"))
	require.Len(t, db.puts, 1)
	assert.Equal(t, "attribute_not_exists(scenarioId)", aws.ToString(db.puts[0].ConditionExpression))

	var stored LedgerEntry
	require.NoError(t, attributevalue.UnmarshalMap(db.puts[0].Item, &stored))
	assert.Equal(t, LedgerPending, stored.Status)
	assert.Equal(t, time.Date(2026, 11, 18, 12, 0, 0, 0, time.UTC).Unix(), stored.ExpiresAt)

	require.NoError(t, ledger.MarkFinished(ctx, sampleRecord("run-1", "sc-1")))
	entry, err := ledger.Get(ctx, "run-1", "sc-1")
	require.NoError(t, err)
	assert.Equal(t, LedgerCompleted, entry.Status)
	assert.Equal(t, "complete_success", entry.Endpoint)
}

func TestDynamoLedger_FailedRecord(t *testing.T) {
	db := newFakeDynamo()
	ledger := NewDynamoLedger(db, "titration-runs", nil)
	ctx := context.Background()

	require.NoError(t, ledger.MarkPending(ctx, "run-1", "sc-2", "baseline"))
	rec := sampleRecord("run-1", "sc-2")
	rec.Status = titration.StatusFailed
	rec.Error = "llm unavailable"
	rec.Outcome = nil
	require.NoError(t, ledger.MarkFinished(ctx, rec))

	entry, err := ledger.Get(ctx, "run-1", "sc-2")
	require.NoError(t, err)
	assert.Equal(t, LedgerFailed, entry.Status)
	assert.Equal(t, "llm unavailable", entry.ErrorMessage)
	assert.Empty(t, entry.Endpoint)
}

func TestDynamoLedger_Errors(t *testing.T) {
	db := newFakeDynamo()
	ledger := NewDynamoLedger(db, "titration-runs", nil)
	ctx := context.Background()

	err := ledger.MarkFinished(ctx, sampleRecord("run-1", "never-pending"))
	var ccf *types.ConditionalCheckFailedException
	assert.True(t, errors.As(err, &ccf))

	_, err = ledger.Get(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrLedgerEntryNotFound)

	assert.Error(t, ledger.MarkPending(ctx, "", "sc", "titration"))

	db.putErr = errors.New("throttled")
	assert.Error(t, ledger.MarkPending(ctx, "run-1", "sc-3", "titration"))
}
