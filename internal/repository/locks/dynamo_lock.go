package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zmigrate/internal/errors"
)

// Deps carries clients shared with the rest of the application.
type Deps struct {
	DynamoClient *dynamodb.Client
}

// NewDynamoClient creates a DynamoDB client from shared AWS configuration.
func NewDynamoClient(awsConfig aws.Config) *dynamodb.Client {
	client := dynamodb.NewFromConfig(awsConfig)
	if client == nil {
		log.Fatal("Failed to create DynamoDB client")
	}
	return client
}

// lockItem is the table row for one held lock.
type lockItem struct {
	LockID    string `dynamodbav:"lock_id"`
	Owner     string `dynamodbav:"owner"`
	PID       int    `dynamodbav:"pid"`
	StartedAt string `dynamodbav:"started_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoLock holds a phase lock as a conditional-put row, for deployments
// where pack runs on more than one host. Staleness is expiry-based since a
// remote pid cannot be probed.
type DynamoLock struct {
	client    *dynamodb.Client
	tableName string
	lockID    string
	ttl       time.Duration
}

// NewDynamoLock initializes a DynamoDB-backed instance lock.
func NewDynamoLock(client *dynamodb.Client, tableName, name string) *DynamoLock {
	return &DynamoLock{
		client:    client,
		tableName: tableName,
		lockID:    name,
		ttl:       30 * time.Minute,
	}
}

// Acquire puts the lock row if absent or expired.
func (l *DynamoLock) Acquire(ctx context.Context) error {
	now := time.Now().UTC()
	item := lockItem{
		LockID:    l.lockID,
		Owner:     hostname(),
		PID:       os.Getpid(),
		StartedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(l.ttl).Unix(),
	}

	itemMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal lock item: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                itemMap,
		ConditionExpression: aws.String("attribute_not_exists(lock_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return zerrors.ErrAnotherInstanceRunning
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Release deletes the lock row, but only if this process still owns it.
func (l *DynamoLock) Release(ctx context.Context) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"lock_id": &types.AttributeValueMemberS{Value: l.lockID},
		},
		ConditionExpression: aws.String("pid = :pid AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pid":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", os.Getpid())},
			":owner": &types.AttributeValueMemberS{Value: hostname()},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Someone reclaimed an expired lock out from under us.
			log.Warn("Lock row no longer owned by this process, skipping release")
			return nil
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
