package dynamo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
)

var testTables = Tables{Contacts: "contacts", Rejected: "bad_contacts", PromoIndex: "promo_id-index"}

type fakeDynamo struct {
	mu          sync.Mutex
	tables      map[string]map[int64]map[string]types.AttributeValue
	unprocessed int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]map[int64]map[string]types.AttributeValue{
		testTables.Contacts: {},
		testTables.Rejected: {},
	}}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.tables[aws.ToString(in.TableName)][getN(in.Key, "phone")]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[aws.ToString(in.TableName)][getN(in.Item, "phone")] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	promo := in.ExpressionAttributeValues[":promo"].(*types.AttributeValueMemberS).Value
	out := &dynamodb.QueryOutput{}
	for _, item := range f.tables[aws.ToString(in.TableName)] {
		if getS(item, "promo_id") != promo {
			continue
		}
		out.Count++
		if in.Select != types.SelectCount {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, req := range in.RequestItems {
		keys := req.Keys
		if f.unprocessed > 0 && len(keys) > 1 {
			f.unprocessed--
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[1:], ProjectionExpression: req.ProjectionExpression}
			keys = keys[:1]
		}
		for _, key := range keys {
			if item, ok := f.tables[table][getN(key, "phone")]; ok {
				out.Responses[table] = append(out.Responses[table], map[string]types.AttributeValue{"phone": item["phone"]})
			}
		}
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range in.TransactItems {
		switch {
		case op.Put != nil:
			f.tables[aws.ToString(op.Put.TableName)][getN(op.Put.Item, "phone")] = op.Put.Item
		case op.Delete != nil:
			delete(f.tables[aws.ToString(op.Delete.TableName)], getN(op.Delete.Key, "phone"))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestUpsertVerifiedClearsRejection(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	repo := NewContactRepository(db, testTables)

	require.NoError(t, repo.UpsertRejected(ctx, domain.WorkItem{Phone: 1, PromoID: "p", CheckResult: domain.CheckNotFound}))
	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckNotFound, got.CheckResult)

	checked := time.UnixMilli(1_700_000_000_000).UTC()
	verified := domain.WorkItem{
		Phone: 1, PromoID: "p", Var1: "Anna", CheckResult: domain.CheckOK,
		UserID: 10, AccessHash: -3, Username: "anna", CheckedBy: "alpha", CheckedAt: checked, SendCount: 1,
	}
	require.NoError(t, repo.UpsertVerified(ctx, verified))

	assert.Empty(t, db.tables[testTables.Rejected])
	got, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, verified, *got)
}

func TestGetMissingPhone(t *testing.T) {
	_, err := NewContactRepository(newFakeDynamo(), testTables).Get(context.Background(), 5)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestKnownChecksBothTablesAndRetriesUnprocessed(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	db.unprocessed = 2
	repo := NewContactRepository(db, testTables)

	require.NoError(t, repo.UpsertVerified(ctx, domain.WorkItem{Phone: 1, PromoID: "p"}))
	require.NoError(t, repo.UpsertRejected(ctx, domain.WorkItem{Phone: 3, PromoID: "p"}))

	known, err := repo.Known(ctx, []int64{1, 2, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 3: true}, known)
}

func TestContactsForCampaignAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewContactRepository(newFakeDynamo(), testTables)

	require.NoError(t, repo.UpsertVerified(ctx, domain.WorkItem{Phone: 1, PromoID: "p", SendCount: 2}))
	require.NoError(t, repo.UpsertVerified(ctx, domain.WorkItem{Phone: 2, PromoID: "p"}))
	require.NoError(t, repo.UpsertVerified(ctx, domain.WorkItem{Phone: 3, PromoID: "other"}))
	require.NoError(t, repo.UpsertRejected(ctx, domain.WorkItem{Phone: 4, PromoID: "p"}))

	items, err := repo.ContactsForCampaign(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	stats, err := repo.CampaignStats(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStats{PromoID: "p", Verified: 2, Rejected: 1, Messaged: 1, Sends: 2}, *stats)
}

func TestEncodeOmitsEmptyAttributes(t *testing.T) {
	m := encodeContact(domain.WorkItem{Phone: 7})
	_, hasPromo := m["promo_id"]
	_, hasSent := m["last_sent_at"]
	assert.False(t, hasPromo)
	assert.False(t, hasSent)
	assert.EqualValues(t, 7, getN(m, "phone"))
}
