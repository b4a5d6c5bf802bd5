package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/apd/v3"

	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore uses a table with partition key city_id and sort key timestamp, both strings,
// and TTL enabled on the numeric ttl attribute.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamoStore(client DynamoAPI, table string) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	return &DynamoStore{client: client, table: table, now: time.Now}, nil
}

func (s *DynamoStore) Backend() string  { return "dynamodb" }
func (s *DynamoStore) Location() string { return s.table }

func (s *DynamoStore) Put(ctx context.Context, item map[string]any) error {
	if _, _, err := itemKey(item); err != nil {
		return err
	}
	av, err := toAttributeValue(item)
	if err != nil {
		return fmt.Errorf("error marshalling item for dynamo: %w", err)
	}
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return fmt.Errorf("error marshalling item for dynamo: not a map")
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      m.Value,
	})
	if err != nil {
		return fmt.Errorf("error putting item to dynamo: %w", err)
	}
	return nil
}

// Latest drops items whose ttl has passed but that DynamoDB has not yet swept. Limit is
// applied before the filter, so a page may hold fewer than limit items.
func (s *DynamoStore) Latest(ctx context.Context, city string, limit int) ([]models.Record, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("city_id = :c"),
		FilterExpression:       aws.String("#ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":   &types.AttributeValueMemberS{Value: city},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("error querying dynamo: %w", err)
	}

	records := make([]models.Record, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("error unmarshalling dynamo items: %w", err)
	}
	return records, nil
}

// toAttributeValue maps decimals to N with their exact text. Anything the canonical walk did
// not produce is left to attributevalue.Marshal.
func toAttributeValue(v any) (types.AttributeValue, error) {
	switch x := v.(type) {
	case *apd.Decimal:
		return &types.AttributeValueMemberN{Value: x.Text('f')}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(x))
		for k, item := range x {
			av, err := toAttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, 0, len(x))
		for i, item := range x {
			av, err := toAttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l = append(l, av)
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	}
	return attributevalue.Marshal(v)
}
