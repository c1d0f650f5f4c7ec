package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
)

// DDBClient is the subset of the DynamoDB API the CAS store needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CASStore decorates a Store whose backend lacks `If-None-Match` with
// conditional-create semantics arbitrated through a DynamoDB table.
// PutIfAbsent first claims the key with a conditional PutItem
// (attribute_not_exists), then writes the object; a crash between the two
// leaves a claim without an object, which Reclaim releases.
//
// Table schema: partition key `object_key` (string). Create with:
//
//	aws dynamodb create-table \
//	  --table-name cumulus-cas \
//	  --attribute-definitions AttributeName=object_key,AttributeType=S \
//	  --key-schema AttributeName=object_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type CASStore struct {
	blobstore.Store
	ddb   DDBClient
	table string
	scope string
}

// NewCASStore wraps inner. scope namespaces claims so several deployments can
// share one table (use the store endpoint + bucket + prefix).
func NewCASStore(inner blobstore.Store, ddb DDBClient, table, scope string) *CASStore {
	return &CASStore{Store: inner, ddb: ddb, table: table, scope: scope}
}

func (c *CASStore) claimKey(key string) string {
	return c.scope + "#" + key
}

func (c *CASStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]ddbtypes.AttributeValue{
			"object_key": &ddbtypes.AttributeValueMemberS{Value: c.claimKey(key)},
		},
		ConditionExpression: aws.String("attribute_not_exists(object_key)"),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errs.Newf(errs.KindConflict, "blobstore.put_if_absent", "object %s exists", key)
		}
		return errs.New(errs.KindTransient, "blobstore.put_if_absent", err)
	}

	if err := c.Store.Put(ctx, key, data); err != nil {
		// Best effort: release the claim so a retry can succeed. If this
		// delete also fails, Reclaim will release it later.
		_, _ = c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.table),
			Key: map[string]ddbtypes.AttributeValue{
				"object_key": &ddbtypes.AttributeValueMemberS{Value: c.claimKey(key)},
			},
		})
		return err
	}
	return nil
}

func (c *CASStore) Delete(ctx context.Context, key string) error {
	if err := c.Store.Delete(ctx, key); err != nil {
		return err
	}
	return c.Reclaim(ctx, key)
}

// Reclaim releases the DynamoDB claim for key, allowing PutIfAbsent to
// succeed again after the object was deleted.
func (c *CASStore) Reclaim(ctx context.Context, key string) error {
	_, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key: map[string]ddbtypes.AttributeValue{
			"object_key": &ddbtypes.AttributeValueMemberS{Value: c.claimKey(key)},
		},
	})
	if err != nil {
		return errs.New(errs.KindTransient, "blobstore.reclaim", err)
	}
	return nil
}
