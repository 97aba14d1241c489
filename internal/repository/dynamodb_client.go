package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixUser  = "USER#"
	skLock        = "LOCK"
	skPrefixBatch = "BATCH#"

	// maxBatchWrite is the BatchWriteItem request ceiling.
	maxBatchWrite         = 25
	maxUnprocessedRetries = 5
)

// unprocessedBackoff is the base delay between BatchWriteItem retries.
var unprocessedBackoff = 50 * time.Millisecond

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func validateDeps(api dynamodbAPI, tables ...string) error {
	if api == nil {
		return errors.New("repository: api must not be nil")
	}
	for _, t := range tables {
		if strings.TrimSpace(t) == "" {
			return errors.New("repository: table name must not be empty")
		}
	}
	return nil
}

// userPK returns the control-table partition key for a user.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// batchSK returns the control-table sort key of a consolidation marker.
func batchSK(batchKey string) string {
	return skPrefixBatch + batchKey
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// writeBatch sends one BatchWriteItem request to a single table and resubmits
// unprocessed items with exponential backoff.
func writeBatch(ctx context.Context, api dynamodbAPI, table string, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{table: reqs}
	for attempt := 0; ; attempt++ {
		out, err := api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[table]) == 0 {
			return nil
		}
		if attempt >= maxUnprocessedRetries {
			return fmt.Errorf("%d items unprocessed after %d retries", len(out.UnprocessedItems[table]), attempt)
		}
		pending = map[string][]types.WriteRequest{table: out.UnprocessedItems[table]}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(unprocessedBackoff << attempt):
		}
	}
}
