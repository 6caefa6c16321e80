package dynamodb

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	"github.com/dgduncan/go-preflight-cache/caches"
)

// writerSortKey is the range key of the item that records a resource's last
// writer. Origins never start with '#'.
const writerSortKey = "#writer"

// API is the subset of *dynamodb.Client used by Cache.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	DeleteExpiredItems bool // Controls if the expired_at TTL property is put in the database to allow automatic deletion of expired items

	ItemExpiration time.Duration // How long an item outlives its max-age before DynamoDB may delete it.
	Table          string
}

// Cache implements the gopreflightcache.Cache interface using Amazon DynamoDB
// as the storage backend.
//
// Entries live under hash key "resource" and range key "origin". The last
// writer of a resource is a sibling item with range key "#writer", written
// in the same transaction as the entry.
type Cache struct {
	client API

	table      string
	expiration time.Duration
	ttlAttr    bool
	now        func() time.Time
}

type entryItem struct {
	Resource  string   `json:"resource" dynamodbav:"resource"`
	Origin    string   `json:"origin" dynamodbav:"origin"`
	Allowed   []string `json:"allowed" dynamodbav:"allowed"`
	TTL       int      `json:"ttl" dynamodbav:"ttl"`
	CreatedAt int64    `json:"created_at" dynamodbav:"created_at"`
	ExpiredAt int64    `json:"expired_at,omitempty" dynamodbav:"expired_at,omitempty"`
}

type writerItem struct {
	Resource   string `json:"resource" dynamodbav:"resource"`
	Origin     string `json:"origin" dynamodbav:"origin"`
	LastOrigin string `json:"last_origin" dynamodbav:"last_origin"`
	WrittenAt  int64  `json:"written_at" dynamodbav:"written_at"`
	ExpiredAt  int64  `json:"expired_at,omitempty" dynamodbav:"expired_at,omitempty"`
}

// Lookup retrieves the entry for (origin, resource). An entry whose max-age
// has elapsed is deleted and caches.ErrCacheItemExpired is returned.
func (c *Cache) Lookup(ctx context.Context, origin, resource string) (*gopreflightcache.CacheEntry, error) {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            itemKey(resource, origin),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item entryItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	entry := &gopreflightcache.CacheEntry{
		AllowedMethods: item.Allowed,
		TTL:            item.TTL,
		CreatedAt:      time.UnixMilli(item.CreatedAt).UTC(),
		Origin:         origin,
	}
	if entry.Valid(c.now()) {
		return entry, nil
	}

	if err := c.expire(ctx, origin, resource, item.CreatedAt); err != nil {
		return nil, errors.Join(caches.ErrCacheItemExpired, err)
	}
	return nil, caches.ErrCacheItemExpired
}

// Store puts the entry and the resource's writer item in one transaction.
func (c *Cache) Store(ctx context.Context, origin, resource string, entry *gopreflightcache.CacheEntry) error {
	var expiredAt int64
	if c.ttlAttr {
		// DynamoDB TTL works in epoch seconds
		expiredAt = entry.ExpiresAt().Add(c.expiration).Unix()
	}

	e, err := attributevalue.MarshalMap(entryItem{
		Resource:  resource,
		Origin:    origin,
		Allowed:   entry.AllowedMethods,
		TTL:       entry.TTL,
		CreatedAt: entry.CreatedAt.UnixMilli(),
		ExpiredAt: expiredAt,
	})
	if err != nil {
		return err
	}

	w, err := attributevalue.MarshalMap(writerItem{
		Resource:   resource,
		Origin:     writerSortKey,
		LastOrigin: origin,
		WrittenAt:  c.now().UnixMilli(),
		ExpiredAt:  expiredAt,
	})
	if err != nil {
		return err
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(c.table), Item: e}},
			{Put: &types.Put{TableName: aws.String(c.table), Item: w}},
		},
	})
	return err
}

// Invalidate deletes the last writer's entry and the writer item. If another
// Store replaced the writer in the meantime, nothing is deleted.
func (c *Cache) Invalidate(ctx context.Context, resource string) error {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            itemKey(resource, writerSortKey),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return err
	}
	if output.Item == nil {
		return nil
	}

	var w writerItem
	if err := attributevalue.UnmarshalMap(output.Item, &w); err != nil {
		return err
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: aws.String(c.table),
				Key:       itemKey(resource, w.LastOrigin),
			}},
			{Delete: &types.Delete{
				TableName:           aws.String(c.table),
				Key:                 itemKey(resource, writerSortKey),
				ConditionExpression: aws.String("last_origin = :origin"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":origin": &types.AttributeValueMemberS{Value: w.LastOrigin},
				},
			}},
		},
	})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return nil
	}
	return err
}

// Size counts entry items with a scan. Writer items are not counted.
func (c *Cache) Size(ctx context.Context) (int, error) {
	p := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:        aws.String(c.table),
		Select:           types.SelectCount,
		FilterExpression: aws.String("origin <> :writer"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":writer": &types.AttributeValueMemberS{Value: writerSortKey},
		},
	})

	var n int
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		n += int(page.Count)
	}
	return n, nil
}

// expire deletes the entry if it is still the one that was read, then the
// writer item if it names origin.
func (c *Cache) expire(ctx context.Context, origin, resource string, createdAt int64) error {
	created, err := attributevalue.Marshal(createdAt)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.table),
		Key:                 itemKey(resource, origin),
		ConditionExpression: aws.String("created_at = :created_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":created_at": created,
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.table),
		Key:                 itemKey(resource, writerSortKey),
		ConditionExpression: aws.String("last_origin = :origin"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":origin": &types.AttributeValueMemberS{Value: origin},
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

func itemKey(resource, origin string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"resource": &types.AttributeValueMemberS{Value: resource},
		"origin":   &types.AttributeValueMemberS{Value: origin},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client or configuration is nil or the table is not named.
func New(ctx context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}
	if config == nil {
		return nil, caches.ValidationError{
			Reason: "nil config",
		}
	}
	if config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "table name is required",
		}
	}

	var itemExpiration time.Duration
	if config.ItemExpiration == 0 {
		itemExpiration = caches.DefaultExpiredDuration
	} else {
		itemExpiration = config.ItemExpiration
	}

	return &Cache{
		client: client,

		table:      config.Table,
		expiration: itemExpiration,
		ttlAttr:    config.DeleteExpiredItems,
		now:        time.Now,
	}, nil
}

var _ gopreflightcache.Cache = (*Cache)(nil)
