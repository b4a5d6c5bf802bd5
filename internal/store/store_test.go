package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/smartcity-telemetry/internal/canonical"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testItem(ts string, ttl int64, temp float64) map[string]any {
	rec := models.Record{
		CityID:         "Bengaluru",
		Timestamp:      ts,
		TimestampUTC:   ts,
		TimestampIST:   ts,
		TimestampEpoch: 1714564800,
		TemperatureC:   models.Float(temp),
		AQI:            models.Int(2),
		TTL:            ttl,
	}
	return canonical.Map(rec.ToMap())
}

func TestMemoryStore_LatestNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.now = func() time.Time { return fixedNow }
	ctx := context.Background()
	future := fixedNow.Add(time.Hour).Unix()

	require.NoError(t, s.Put(ctx, testItem("2024-05-01T17:00:00+05:30", future, 20)))
	require.NoError(t, s.Put(ctx, testItem("2024-05-01T17:10:00+05:30", future, 21)))
	require.NoError(t, s.Put(ctx, testItem("2024-05-01T17:20:00+05:30", future, 22)))

	got, err := s.Latest(ctx, "Bengaluru", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-05-01T17:20:00+05:30", got[0].Timestamp)
	assert.Equal(t, 22.0, *got[0].TemperatureC)
	assert.Equal(t, "2024-05-01T17:10:00+05:30", got[1].Timestamp)
	assert.Nil(t, got[0].Humidity)

	none, err := s.Latest(ctx, "Mysuru", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_LastWriteWinsAndExpiry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	ts := "2024-05-01T17:00:00+05:30"
	require.NoError(t, s.Put(ctx, testItem(ts, fixedNow.Add(time.Hour).Unix(), 20)))
	require.NoError(t, s.Put(ctx, testItem(ts, fixedNow.Add(time.Hour).Unix(), 25)))
	require.NoError(t, s.Put(ctx, testItem("2024-05-01T16:00:00+05:30", fixedNow.Add(-time.Second).Unix(), 19)))
	assert.Equal(t, 2, s.Len("Bengaluru"))

	got, err := s.Latest(ctx, "Bengaluru", 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "expired record must be hidden")
	assert.Equal(t, 25.0, *got[0].TemperatureC)
}

func TestMemoryStore_ExpiryUsesInjectedClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	item := testItem("2024-05-01T17:00:00+05:30", fixedNow.Add(14*24*time.Hour).Unix(), 20)

	pinned := NewMemoryStoreWithClock(func() time.Time { return fixedNow })
	require.NoError(t, pinned.Put(ctx, item))
	got, err := pinned.Latest(ctx, "Bengaluru", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "record written at the pinned clock is live at that clock")

	later := NewMemoryStoreWithClock(func() time.Time { return fixedNow.Add(15 * 24 * time.Hour) })
	require.NoError(t, later.Put(ctx, item))
	got, err = later.Latest(ctx, "Bengaluru", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_RejectsUnkeyedItem(t *testing.T) {
	t.Parallel()

	err := NewMemoryStore().Put(context.Background(), map[string]any{"city_id": "Bengaluru"})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

type fakeDynamo struct {
	putInput   *dynamodb.PutItemInput
	putErr     error
	queryInput *dynamodb.QueryInput
	items      []map[string]types.AttributeValue
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.putInput = in
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInput = in
	return &dynamodb.QueryOutput{Items: f.items}, nil
}

func TestDynamoStore_PutExactNumbers(t *testing.T) {
	t.Parallel()

	api := &fakeDynamo{}
	s, err := NewDynamoStore(api, "smartcity_records")
	require.NoError(t, err)

	item := testItem("2024-05-01T17:00:00+05:30", 1715774400, 23.5)
	item["air_raw"] = canonical.Canonicalize(map[string]any{
		"list": []any{map[string]any{"main": map[string]any{"aqi": 2}}},
	})
	require.NoError(t, s.Put(context.Background(), item))

	in := api.putInput
	require.NotNil(t, in)
	assert.Equal(t, "smartcity_records", aws.ToString(in.TableName))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "Bengaluru"}, in.Item["city_id"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "23.5"}, in.Item["temperature_c"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1715774400"}, in.Item["ttl"])
	_, hasHumidity := in.Item["humidity"]
	assert.False(t, hasHumidity, "absent measurement must not be written")

	raw, ok := in.Item["air_raw"].(*types.AttributeValueMemberM)
	require.True(t, ok)
	list, ok := raw.Value["list"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, list.Value, 1)
}

func TestDynamoStore_PutErrors(t *testing.T) {
	t.Parallel()

	api := &fakeDynamo{putErr: errors.New("throttled")}
	s, err := NewDynamoStore(api, "t")
	require.NoError(t, err)

	err = s.Put(context.Background(), testItem("2024-05-01T17:00:00+05:30", 1, 1))
	assert.ErrorContains(t, err, "throttled")

	err = s.Put(context.Background(), map[string]any{"timestamp": "x"})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = NewDynamoStore(api, "")
	assert.Error(t, err)
	_, err = NewDynamoStore(nil, "t")
	assert.Error(t, err)
}

func TestDynamoStore_Latest(t *testing.T) {
	t.Parallel()

	api := &fakeDynamo{items: []map[string]types.AttributeValue{
		{
			"city_id":       &types.AttributeValueMemberS{Value: "Bengaluru"},
			"timestamp":     &types.AttributeValueMemberS{Value: "2024-05-01T17:10:00+05:30"},
			"temperature_c": &types.AttributeValueMemberN{Value: "24.1"},
			"aqi":           &types.AttributeValueMemberN{Value: "3"},
			"ttl":           &types.AttributeValueMemberN{Value: "1715774400"},
		},
		{
			"city_id":   &types.AttributeValueMemberS{Value: "Bengaluru"},
			"timestamp": &types.AttributeValueMemberS{Value: "2024-05-01T17:00:00+05:30"},
			"ttl":       &types.AttributeValueMemberN{Value: "1715774400"},
		},
	}}
	s, err := NewDynamoStore(api, "t")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }

	got, err := s.Latest(context.Background(), "Bengaluru", 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 24.1, *got[0].TemperatureC)
	assert.Equal(t, 3, *got[0].AQI)
	assert.Nil(t, got[1].AQI)

	q := api.queryInput
	assert.False(t, aws.ToBool(q.ScanIndexForward))
	assert.Equal(t, int32(50), aws.ToInt32(q.Limit))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "Bengaluru"}, q.ExpressionAttributeValues[":c"])
	assert.Equal(t, "#ttl > :now", aws.ToString(q.FilterExpression))
	assert.Equal(t, "ttl", q.ExpressionAttributeNames["#ttl"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(fixedNow.Unix(), 10)}, q.ExpressionAttributeValues[":now"])
}

func TestPostgresStore_Put(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewPostgresStoreWithPool(mock, "telemetry_records")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO telemetry_records").
		WithArgs("Bengaluru", "2024-05-01T17:00:00+05:30", int64(1714564800), int64(1715774400), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Put(context.Background(), testItem("2024-05-01T17:00:00+05:30", 1715774400, 23.5)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutRequiresTTL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)
	assert.Equal(t, "telemetry_records", s.Location())

	item := testItem("2024-05-01T17:00:00+05:30", 1, 1)
	delete(item, "ttl")
	assert.ErrorIs(t, s.Put(context.Background(), item), ErrInvalidItem)
}

func TestPostgresStore_Latest(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewPostgresStoreWithPool(mock, "telemetry_records")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }

	rows := pgxmock.NewRows([]string{"item"}).
		AddRow([]byte(`{"city_id":"Bengaluru","timestamp":"2024-05-01T17:10:00+05:30","temperature_c":24.1,"aqi":3,"ttl":1715774400}`)).
		AddRow([]byte(`{"city_id":"Bengaluru","timestamp":"2024-05-01T17:00:00+05:30","ttl":1715774400}`))
	mock.ExpectQuery("SELECT item FROM telemetry_records").
		WithArgs("Bengaluru", fixedNow.Unix(), 50).
		WillReturnRows(rows)

	got, err := s.Latest(context.Background(), "Bengaluru", 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 24.1, *got[0].TemperatureC)
	assert.Nil(t, got[1].TemperatureC)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndPrune(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewPostgresStoreWithPool(mock, "telemetry_records")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS telemetry_records").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("DELETE FROM telemetry_records").
		WithArgs(fixedNow.Unix()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, s.Migrate(context.Background()))
	n, err := s.PruneExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresStoreWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStoreWithPool(nil, "t")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPostgresStoreWithPool(mock, "records; DROP TABLE x")
	assert.ErrorContains(t, err, "invalid table name")
}
