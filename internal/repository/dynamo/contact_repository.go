// Package dynamo stores contacts in DynamoDB tables keyed by phone.
package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/repository"
)

// batchGetLimit is the DynamoDB cap on keys per BatchGetItem request.
const batchGetLimit = 100

const maxUnprocessedRounds = 5

// API is the subset of the DynamoDB client the repository calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Tables names the contact tables and the promo index.
type Tables struct {
	Contacts   string
	Rejected   string
	PromoIndex string
}

// ContactRepository implements repository.ContactStore on DynamoDB.
type ContactRepository struct {
	db     API
	tables Tables
}

// NewContactRepository wraps a DynamoDB client.
func NewContactRepository(db API, tables Tables) *ContactRepository {
	return &ContactRepository{db: db, tables: tables}
}

func (r *ContactRepository) UpsertVerified(ctx context.Context, item domain.WorkItem) error {
	_, err := r.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(r.tables.Contacts),
				Item:      encodeContact(item),
			}},
			{Delete: &types.Delete{
				TableName: aws.String(r.tables.Rejected),
				Key:       phoneKey(item.Phone),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo contacts: upsert verified: %w", err)
	}
	return nil
}

func (r *ContactRepository) UpsertRejected(ctx context.Context, item domain.WorkItem) error {
	_, err := r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tables.Rejected),
		Item:      encodeRejected(item),
	})
	if err != nil {
		return fmt.Errorf("dynamo contacts: upsert rejected: %w", err)
	}
	return nil
}

func (r *ContactRepository) ContactsForCampaign(ctx context.Context, promoID string) ([]domain.WorkItem, error) {
	pages := dynamodb.NewQueryPaginator(r.db, &dynamodb.QueryInput{
		TableName:              aws.String(r.tables.Contacts),
		IndexName:              aws.String(r.tables.PromoIndex),
		KeyConditionExpression: aws.String("promo_id = :promo"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":promo": &types.AttributeValueMemberS{Value: promoID},
		},
	})

	var items []domain.WorkItem
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo contacts: query campaign: %w", err)
		}
		for _, raw := range out.Items {
			items = append(items, decodeContact(raw))
		}
	}
	return items, nil
}

func (r *ContactRepository) Known(ctx context.Context, phones []int64) (map[int64]bool, error) {
	known := make(map[int64]bool)
	for start := 0; start < len(phones); start += batchGetLimit {
		end := min(start+batchGetLimit, len(phones))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		seen := make(map[int64]bool, end-start)
		for _, p := range phones[start:end] {
			if seen[p] {
				continue
			}
			seen[p] = true
			keys = append(keys, phoneKey(p))
		}

		for _, table := range []string{r.tables.Contacts, r.tables.Rejected} {
			if err := r.batchKnown(ctx, table, keys, known); err != nil {
				return nil, err
			}
		}
	}
	return known, nil
}

func (r *ContactRepository) batchKnown(ctx context.Context, table string, keys []map[string]types.AttributeValue, known map[int64]bool) error {
	request := map[string]types.KeysAndAttributes{
		table: {Keys: keys, ProjectionExpression: aws.String("phone")},
	}
	for round := 0; len(request) > 0; round++ {
		if round == maxUnprocessedRounds {
			return fmt.Errorf("dynamo contacts: known: %s: unprocessed keys remain", table)
		}
		out, err := r.db.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return fmt.Errorf("dynamo contacts: known: %w", err)
		}
		for _, raw := range out.Responses[table] {
			known[getN(raw, "phone")] = true
		}
		request = out.UnprocessedKeys
	}
	return nil
}

func (r *ContactRepository) Get(ctx context.Context, phone int64) (*domain.WorkItem, error) {
	for _, table := range []string{r.tables.Contacts, r.tables.Rejected} {
		out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(table),
			Key:       phoneKey(phone),
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo contacts: get %s: %w", table, err)
		}
		if out.Item != nil {
			item := decodeContact(out.Item)
			return &item, nil
		}
	}
	return nil, repository.ErrNotFound
}

// CampaignStats aggregates contact counters for a promo.
func (r *ContactRepository) CampaignStats(ctx context.Context, promoID string) (*domain.CampaignStats, error) {
	items, err := r.ContactsForCampaign(ctx, promoID)
	if err != nil {
		return nil, err
	}
	stats := domain.CampaignStats{PromoID: promoID, Verified: int64(len(items))}
	for _, item := range items {
		if item.SendCount > 0 {
			stats.Messaged++
		}
		stats.Sends += int64(item.SendCount)
	}

	pages := dynamodb.NewQueryPaginator(r.db, &dynamodb.QueryInput{
		TableName:              aws.String(r.tables.Rejected),
		IndexName:              aws.String(r.tables.PromoIndex),
		KeyConditionExpression: aws.String("promo_id = :promo"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":promo": &types.AttributeValueMemberS{Value: promoID},
		},
		Select: types.SelectCount,
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo contacts: count rejected: %w", err)
		}
		stats.Rejected += int64(out.Count)
	}
	return &stats, nil
}

func phoneKey(phone int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"phone": avN(phone)}
}

func encodeContact(item domain.WorkItem) map[string]types.AttributeValue {
	m := encodeRejected(item)
	putN(m, "user_id", item.UserID)
	putN(m, "access_hash", item.AccessHash)
	putS(m, "username", item.Username)
	putS(m, "first_name", item.FirstName)
	putS(m, "last_name", item.LastName)
	putS(m, "last_sent_by", item.LastSentBy)
	putTime(m, "last_sent_at", item.LastSentAt)
	m["send_count"] = avN(int64(item.SendCount))
	m["updated_at"] = avN(time.Now().UnixMilli())
	return m
}

func encodeRejected(item domain.WorkItem) map[string]types.AttributeValue {
	m := map[string]types.AttributeValue{"phone": avN(item.Phone)}
	putS(m, "promo_id", item.PromoID)
	putS(m, "var_1", item.Var1)
	putS(m, "var_2", item.Var2)
	putS(m, "var_3", item.Var3)
	putS(m, "check_result", string(item.CheckResult))
	putS(m, "checked_by", item.CheckedBy)
	putTime(m, "checked_at", item.CheckedAt)
	return m
}

func decodeContact(m map[string]types.AttributeValue) domain.WorkItem {
	return domain.WorkItem{
		Phone:       getN(m, "phone"),
		PromoID:     getS(m, "promo_id"),
		Var1:        getS(m, "var_1"),
		Var2:        getS(m, "var_2"),
		Var3:        getS(m, "var_3"),
		CheckResult: domain.CheckResult(getS(m, "check_result")),
		UserID:      getN(m, "user_id"),
		AccessHash:  getN(m, "access_hash"),
		Username:    getS(m, "username"),
		FirstName:   getS(m, "first_name"),
		LastName:    getS(m, "last_name"),
		CheckedBy:   getS(m, "checked_by"),
		CheckedAt:   getTime(m, "checked_at"),
		LastSentBy:  getS(m, "last_sent_by"),
		LastSentAt:  getTime(m, "last_sent_at"),
		SendCount:   int(getN(m, "send_count")),
	}
}

func avN(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// Empty strings are omitted; index key attributes may not be empty.
func putS(m map[string]types.AttributeValue, key, value string) {
	if value != "" {
		m[key] = &types.AttributeValueMemberS{Value: value}
	}
}

func putN(m map[string]types.AttributeValue, key string, value int64) {
	if value != 0 {
		m[key] = avN(value)
	}
}

func putTime(m map[string]types.AttributeValue, key string, t time.Time) {
	if !t.IsZero() {
		m[key] = avN(t.UnixMilli())
	}
}

func getS(m map[string]types.AttributeValue, key string) string {
	if v, ok := m[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getN(m map[string]types.AttributeValue, key string) int64 {
	v, ok := m[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func getTime(m map[string]types.AttributeValue, key string) time.Time {
	ms := getN(m, key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
