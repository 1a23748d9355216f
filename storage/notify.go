package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type messageEnqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// BoardUpdatedMessage tells downstream projections which board changed.
type BoardUpdatedMessage struct {
	BoardID   string `json:"boardId"`
	MoveCount int    `json:"moveCount"`
	Timestamp int64  `json:"timestamp"`
}

// Notifier publishes board-updated messages to a storage queue after
// successful commits.
type Notifier struct {
	queue messageEnqueuer
}

// NewNotifier creates a Notifier from the given connection string.
func NewNotifier(connStr, queueName string) (*Notifier, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &Notifier{queue: q}, nil
}

// BoardUpdated enqueues one message describing a committed write set.
func (n *Notifier) BoardUpdated(ctx context.Context, boardID string, moves int) error {
	msg := BoardUpdatedMessage{BoardID: boardID, MoveCount: moves, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
