package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-debounce/internal/domain"
)

// sessionIndex is the buffer table GSI keyed by session_id.
const sessionIndex = "gsi_session_id"

// BufferStore holds pending messages keyed by (user_id, timestamp).
type BufferStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewBufferStore creates a BufferStore over the given table.
func NewBufferStore(api dynamodbAPI, tableName string) (*BufferStore, error) {
	if err := validateDeps(api, tableName); err != nil {
		return nil, err
	}
	return &BufferStore{api: api, tableName: tableName, now: time.Now}, nil
}

func bufferKey(userID string, ts int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":   strAttr(userID),
		"timestamp": numAttr(ts),
	}
}

// Append inserts msg. It returns domain.ErrDuplicateKey when the user already
// has a message at the same timestamp.
func (b *BufferStore) Append(ctx context.Context, msg domain.BufferedMessage) error {
	if strings.TrimSpace(msg.UserID) == "" {
		return errors.New("repository: Append: user id is required")
	}
	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		return fmt.Errorf("repository: Append marshal: %w", err)
	}

	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(b.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(user_id) AND attribute_not_exists(#ts)"),
		ExpressionAttributeNames: map[string]string{"#ts": "timestamp"},
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("repository: Append: %w", domain.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// QueryByUser returns the user's unexpired messages ordered by timestamp.
// Expired entries are filtered here because table TTL sweeps lazily.
func (b *BufferStore) QueryByUser(ctx context.Context, userID string, opts domain.QueryOptions) ([]domain.BufferedMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: QueryByUser: user id is required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(b.tableName),
		KeyConditionExpression: aws.String("user_id = :uid"),
		FilterExpression:       aws.String("attribute_not_exists(expiration_time) OR expiration_time > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strAttr(userID),
			":now": numAttr(b.now().Unix()),
		},
		ScanIndexForward: aws.Bool(!opts.Descending),
		ConsistentRead:   aws.Bool(true),
	}
	if opts.Limit > 0 {
		in.Limit = aws.Int32(int32(opts.Limit))
	}

	msgs, err := b.queryMessages(ctx, in, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByUser %w", err)
	}
	return msgs, nil
}

// QueryBySession returns the unexpired messages tagged with sessionID through
// the session index. Index reads are eventually consistent, so this serves
// inspection, never the consolidation snapshot.
func (b *BufferStore) QueryBySession(ctx context.Context, sessionID string) ([]domain.BufferedMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("repository: QueryBySession: session id is required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(b.tableName),
		IndexName:              aws.String(sessionIndex),
		KeyConditionExpression: aws.String("session_id = :sid"),
		FilterExpression:       aws.String("attribute_not_exists(expiration_time) OR expiration_time > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": strAttr(sessionID),
			":now": numAttr(b.now().Unix()),
		},
	}
	msgs, err := b.queryMessages(ctx, in, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: QueryBySession %w", err)
	}
	return msgs, nil
}

func (b *BufferStore) queryMessages(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]domain.BufferedMessage, error) {
	var msgs []domain.BufferedMessage
	p := dynamodb.NewQueryPaginator(b.api, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, item := range out.Items {
			var msg domain.BufferedMessage
			if err := attributevalue.UnmarshalMap(item, &msg); err != nil {
				return nil, fmt.Errorf("unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
			if limit > 0 && len(msgs) >= limit {
				return msgs, nil
			}
		}
	}
	return msgs, nil
}

// DeleteBatch removes exactly the given (userID, timestamp) entries. Keys that
// are already gone are ignored by DynamoDB.
func (b *BufferStore) DeleteBatch(ctx context.Context, userID string, timestamps []int64) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: DeleteBatch: user id is required")
	}
	// BatchWriteItem rejects duplicate keys in one request.
	keys := slices.Clone(timestamps)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	for chunk := range slices.Chunk(keys, maxBatchWrite) {
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, ts := range chunk {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: bufferKey(userID, ts)},
			})
		}
		if err := writeBatch(ctx, b.api, b.tableName, reqs); err != nil {
			return fmt.Errorf("repository: DeleteBatch: %w", err)
		}
	}
	return nil
}
