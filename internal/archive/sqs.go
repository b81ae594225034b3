package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/titration-sim/internal/titration"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// CompletionEvent is published for every finished conversation and once for
// the batch summary.
type CompletionEvent struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	SummaryID  string         `json:"summary_id,omitempty"`
	Entry      *ManifestEntry `json:"entry,omitempty"`
}

const (
	EventConversationFinished = "conversation.finished"
	EventBatchFinished        = "batch.finished"
)

// SQSPublisher announces finished conversations on a queue. It stores nothing
// itself; pair it with a durable Store through MultiStore.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
	now      func() time.Time
}

func NewSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if client == nil {
		panic("archive: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("archive: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL, now: time.Now}
}

func (p *SQSPublisher) SaveRecord(ctx context.Context, rec *titration.ConversationRecord) error {
	entry := manifestEntry(rec, "", p.now().UTC())
	return p.send(ctx, CompletionEvent{
		Type:       EventConversationFinished,
		RunID:      rec.RunID,
		ScenarioID: rec.ScenarioID,
		Entry:      &entry,
	})
}

func (p *SQSPublisher) SaveSummary(ctx context.Context, sum *titration.BatchSummary) error {
	return p.send(ctx, CompletionEvent{Type: EventBatchFinished, RunID: sum.RunID, SummaryID: sum.ID})
}

func (p *SQSPublisher) send(ctx context.Context, evt CompletionEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("archive: marshal event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("archive: failed to send SQS message: %w", err)
	}
	return nil
}
