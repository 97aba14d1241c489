package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-debounce/internal/domain"
)

// Locker hands out per-user consolidation leases stored in the control table.
// A lease is a conditional put that expires on its own via expires_at.
type Locker struct {
	api          dynamodbAPI
	controlTable string
	now          func() time.Time
}

// NewLocker creates a Locker over controlTable.
func NewLocker(api dynamodbAPI, controlTable string) (*Locker, error) {
	if err := validateDeps(api, controlTable); err != nil {
		return nil, err
	}
	return &Locker{api: api, controlTable: controlTable, now: time.Now}, nil
}

func lockKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": strAttr(userPK(userID)),
		"sk": strAttr(skLock),
	}
}

// Acquire takes the user's lease for ttl. It fails with domain.ErrLockHeld
// while another owner holds an unexpired lease.
func (l *Locker) Acquire(ctx context.Context, userID, owner string, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" || owner == "" {
		return errors.New("repository: Acquire: user id and owner are required")
	}
	if ttl <= 0 {
		return errors.New("repository: Acquire: ttl must be positive")
	}
	now := l.now()
	item := lockKey(userID)
	item["owner"] = strAttr(owner)
	item["expires_at"] = numAttr(now.Add(ttl).Unix())

	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.controlTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numAttr(now.Unix()),
		},
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("repository: Acquire: %w", domain.ErrLockHeld)
	}
	if err != nil {
		return fmt.Errorf("repository: Acquire: %w", err)
	}
	return nil
}

// Release drops the lease if owner still holds it. A lease that expired and
// was taken over by someone else is left alone.
func (l *Locker) Release(ctx context.Context, userID, owner string) error {
	_, err := l.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(l.controlTable),
		Key:                      lockKey(userID),
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": strAttr(owner),
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return fmt.Errorf("repository: Release: %w", err)
	}
	return nil
}
