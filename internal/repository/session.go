package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-debounce/internal/domain"
)

const (
	channelIndex = "gsi_channel"
	// defaultMarkerTTL bounds how long a consolidated batch is remembered
	// when the caller does not derive it from the buffer TTL.
	defaultMarkerTTL = 7 * 24 * time.Hour
)

// SessionStore writes consolidated sessions and their idempotency markers.
type SessionStore struct {
	api          dynamodbAPI
	sessionTable string
	controlTable string
	markerTTL    time.Duration
	now          func() time.Time
}

// NewSessionStore creates a SessionStore. Markers are written to controlTable,
// which uses generic pk/sk string keys, and expire after markerTTL. A marker
// must outlive the buffer entries it covers; zero selects seven days.
func NewSessionStore(api dynamodbAPI, sessionTable, controlTable string, markerTTL time.Duration) (*SessionStore, error) {
	if err := validateDeps(api, sessionTable, controlTable); err != nil {
		return nil, err
	}
	if markerTTL <= 0 {
		markerTTL = defaultMarkerTTL
	}
	return &SessionStore{
		api:          api,
		sessionTable: sessionTable,
		controlTable: controlTable,
		markerTTL:    markerTTL,
		now:          time.Now,
	}, nil
}

// CreateSession puts the session and its batch marker in one transaction.
// A failed marker condition yields domain.ErrAlreadyConsolidated; a taken
// (user_id, session_end_timestamp) key yields domain.ErrDuplicateKey.
func (s *SessionStore) CreateSession(ctx context.Context, session domain.ConsolidatedSession) error {
	if strings.TrimSpace(session.UserID) == "" {
		return errors.New("repository: CreateSession: user id is required")
	}
	if session.BatchKey == "" {
		return errors.New("repository: CreateSession: batch key is required")
	}
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("repository: CreateSession marshal: %w", err)
	}

	marker := map[string]types.AttributeValue{
		"pk":                    strAttr(userPK(session.UserID)),
		"sk":                    strAttr(batchSK(session.BatchKey)),
		"session_end_timestamp": numAttr(session.SessionEndTimestamp),
		"expires_at":            numAttr(s.now().Add(s.markerTTL).Unix()),
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.sessionTable),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(user_id) AND attribute_not_exists(session_end_timestamp)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.controlTable),
					Item:                marker,
					ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
				},
			},
		},
	})
	if err != nil {
		if conflict := transactionConflict(err); conflict != nil {
			return fmt.Errorf("repository: CreateSession: %w", conflict)
		}
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

// transactionConflict maps condition failures of the session/marker
// transaction to domain errors. The marker takes precedence.
func transactionConflict(err error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	failed := func(i int) bool {
		return i < len(tce.CancellationReasons) &&
			aws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed"
	}
	switch {
	case failed(1):
		return domain.ErrAlreadyConsolidated
	case failed(0):
		return domain.ErrDuplicateKey
	}
	return nil
}

// ListSessions returns up to limit sessions for a user, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, userID string, limit int) ([]domain.ConsolidatedSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: ListSessions: user id is required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.sessionTable),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strAttr(userID),
		},
		ScanIndexForward: aws.Bool(false),
	}
	sessions, err := s.querySessions(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListSessions: %w", err)
	}
	return sessions, nil
}

// ListSessionsByChannel returns up to limit sessions attributed to channel
// through the channel index. Index reads are eventually consistent.
func (s *SessionStore) ListSessionsByChannel(ctx context.Context, channel string, limit int) ([]domain.ConsolidatedSession, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("repository: ListSessionsByChannel: channel is required")
	}
	in := &dynamodb.QueryInput{
		TableName:                aws.String(s.sessionTable),
		IndexName:                aws.String(channelIndex),
		KeyConditionExpression:   aws.String("#ch = :ch"),
		ExpressionAttributeNames: map[string]string{"#ch": "channel"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ch": strAttr(channel),
		},
	}
	sessions, err := s.querySessions(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListSessionsByChannel: %w", err)
	}
	return sessions, nil
}

func (s *SessionStore) querySessions(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]domain.ConsolidatedSession, error) {
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	var sessions []domain.ConsolidatedSession
	p := dynamodb.NewQueryPaginator(s.api, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		page := make([]domain.ConsolidatedSession, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		for _, sess := range page {
			sessions = append(sessions, sess)
			if limit > 0 && len(sessions) >= limit {
				return sessions, nil
			}
		}
	}
	return sessions, nil
}
