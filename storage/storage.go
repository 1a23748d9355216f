package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"flowboard/domain"
)

// Azure table batches are capped at 100 actions; a larger write set cannot be
// applied atomically and is rejected outright.
const maxBatchSize = 100

// Store persists board ordering in Azure Table Storage. A board maps to one
// partition (PartitionKey = boardID, RowKey = taskID), which is also the
// atomicity boundary: every commit is a single transactional batch.
type Store struct {
	boardTable *aztables.Client
	notifier   *Notifier
	logger     *log.Logger
}

// New creates a Store from the given connection string. The notifier is
// optional; when present, successful commits publish a board-updated message.
func New(connStr, boardsTable string, notifier *Notifier, logger *log.Logger) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{boardTable: svc.NewClient(boardsTable), notifier: notifier, logger: logger}, nil
}

type taskEntity struct {
	aztables.Entity
	Bucket  string `json:"Bucket"`
	Order   int32  `json:"Order"`
	Title   string `json:"Title,omitempty"`
	Notes   string `json:"Notes,omitempty"`
	DueDate string `json:"DueDate,omitempty"`
	Tags    string `json:"Tags,omitempty"`
}

type taskOrderUpdate struct {
	aztables.Entity
	Bucket string `json:"Bucket"`
	Order  int32  `json:"Order"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:         ent.RowKey,
		BucketID:   ent.Bucket,
		OrderIndex: int(ent.Order),
		Title:      ent.Title,
		Notes:      ent.Notes,
		DueDate:    ent.DueDate,
	}
	if ent.Tags != "" {
		if err := json.Unmarshal([]byte(ent.Tags), &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("task %s has malformed tags: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

// Load retrieves the full authoritative snapshot for a board.
func (s *Store) Load(ctx context.Context, boardID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Commit applies the write set as one transactional batch of merges. All
// updates land or none do.
func (s *Store) Commit(ctx context.Context, boardID string, updates []domain.Update) error {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) > maxBatchSize {
		return fmt.Errorf("write set of %d updates exceeds the atomic batch limit of %d", len(updates), maxBatchSize)
	}

	actions := make([]aztables.TransactionAction, 0, len(updates))
	for _, u := range updates {
		ent := taskOrderUpdate{
			Entity: aztables.Entity{PartitionKey: boardID, RowKey: u.TaskID},
			Bucket: u.BucketID,
			Order:  int32(u.OrderIndex),
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
		})
	}
	if _, err := s.boardTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return err
	}

	if s.notifier != nil {
		if err := s.notifier.BoardUpdated(ctx, boardID, len(updates)); err != nil {
			s.logger.WithFields(log.Fields{"board": boardID, "error": err}).Warn("board-updated notification failed")
		}
	}
	return nil
}
