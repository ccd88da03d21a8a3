package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"
)

// Item attribute names. The table has collection as hash key and id as
// range key.
const (
	attrCollection = "collection"
	attrID         = "id"
	attrDoc        = "doc"
	attrVersion    = "_version"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps documents in a DynamoDB table. Writes are optimistic:
// every item carries a version number and Update only succeeds when the
// version it read is still current, retrying with backoff otherwise.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	maxTries  uint
}

// NewDynamo creates a DynamoDB-backed store.
func NewDynamo(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		maxTries:  8,
	}
}

// NewDynamoFromConfig loads the default AWS configuration for region and
// returns a store over tableName. A non-empty endpoint points the client at
// a local DynamoDB.
func NewDynamoFromConfig(ctx context.Context, region, endpoint, tableName string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamo(client, tableName), nil
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) key(collection, id string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		attrCollection: &dynamodbtypes.AttributeValueMemberS{Value: collection},
		attrID:         &dynamodbtypes.AttributeValueMemberS{Value: id},
	}
}

// Get retrieves a document with a strongly consistent read.
func (s *DynamoStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	doc, _, err := s.read(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *DynamoStore) read(ctx context.Context, collection, id string) ([]byte, int64, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	if result.Item == nil {
		return nil, 0, nil
	}
	return itemToDoc(result.Item)
}

// Put stores doc unconditionally, bumping the item version.
func (s *DynamoStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, _, err := s.Update(ctx, collection, id, func([]byte) ([]byte, bool, error) {
		return doc, true, nil
	})
	return err
}

// Create writes doc only if the item does not exist yet.
func (s *DynamoStore) Create(ctx context.Context, collection, id string, doc []byte) ([]byte, bool, error) {
	err := s.conditionalPut(ctx, collection, id, doc, 0)
	if err == nil {
		return doc, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, err
	}
	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Update reads the item, applies fn and writes back conditioned on the
// version it read. A concurrent writer makes the condition fail and the
// whole read-apply-write sequence is retried.
func (s *DynamoStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) ([]byte, bool, error) {
	written := false
	op := func() ([]byte, error) {
		written = false
		current, version, err := s.read(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		next, write, err := fn(current)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !write {
			return current, nil
		}
		if err := s.conditionalPut(ctx, collection, id, next, version); err != nil {
			if isConditionFailed(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		written = true
		return next, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		return nil, false, err
	}
	return result, written, nil
}

// conditionalPut writes doc as version+1, requiring the stored version to
// equal version (0 means "must not exist").
func (s *DynamoStore) conditionalPut(ctx context.Context, collection, id string, doc []byte, version int64) error {
	item, err := docToItem(collection, id, doc, version+1)
	if err != nil {
		return err
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if version == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#id)")
		input.ExpressionAttributeNames = map[string]string{"#id": attrID}
	} else {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		input.ExpressionAttributeValues = map[string]dynamodbtypes.AttributeValue{
			":v": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns the documents of a collection whose top-level field equals
// value, following pagination.
func (s *DynamoStore) Query(ctx context.Context, collection, field string, value any) ([][]byte, error) {
	want, err := attributevalue.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query value: %w", err)
	}

	items := [][]byte{}
	var lastEvaluatedKey map[string]dynamodbtypes.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("#c = :c"),
			FilterExpression:       aws.String("#doc.#f = :v"),
			ExpressionAttributeNames: map[string]string{
				"#c":   attrCollection,
				"#doc": attrDoc,
				"#f":   field,
			},
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":c": &dynamodbtypes.AttributeValueMemberS{Value: collection},
				":v": want,
			},
			ConsistentRead: aws.Bool(true),
		}
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", collection, err)
		}
		for _, item := range result.Items {
			doc, _, err := itemToDoc(item)
			if err != nil {
				return nil, err
			}
			items = append(items, doc)
		}

		lastEvaluatedKey = result.LastEvaluatedKey
		if lastEvaluatedKey == nil {
			break
		}
	}
	return items, nil
}

// Delete removes an item; deleting a missing item succeeds.
func (s *DynamoStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(collection, id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// docToItem stores the JSON document as a native map attribute so its
// fields can be filtered on.
func docToItem(collection, id string, doc []byte, version int64) (map[string]dynamodbtypes.AttributeValue, error) {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("document %s/%s is not a JSON object: %w", collection, id, err)
	}
	m, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s: %w", collection, id, err)
	}
	return map[string]dynamodbtypes.AttributeValue{
		attrCollection: &dynamodbtypes.AttributeValueMemberS{Value: collection},
		attrID:         &dynamodbtypes.AttributeValueMemberS{Value: id},
		attrDoc:        &dynamodbtypes.AttributeValueMemberM{Value: m},
		attrVersion:    &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}, nil
}

func itemToDoc(item map[string]dynamodbtypes.AttributeValue) ([]byte, int64, error) {
	var version int64
	if v, ok := item[attrVersion].(*dynamodbtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad item version %q: %w", v.Value, err)
		}
		version = n
	}
	m, ok := item[attrDoc].(*dynamodbtypes.AttributeValueMemberM)
	if !ok {
		return nil, 0, errors.New("item has no document attribute")
	}
	var fields map[string]any
	if err := attributevalue.UnmarshalMap(m.Value, &fields); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

func isConditionFailed(err error) bool {
	var ccf *dynamodbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
