// Package dataapi executes single SQL statements through the RDS Data API
package dataapi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
)

// API is the subset of the RDS Data API client used here
type API interface {
	ExecuteStatement(ctx context.Context, params *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
}

// Executor runs one statement per call and returns synchronously
type Executor interface {
	Execute(ctx context.Context, sql string, params map[string]string) (*Result, error)
}

// Result is the flattened payload of a statement
type Result struct {
	Rows            [][]string
	RecordsAffected int64
}

// Scalar returns the first column of the first row, or "" when there is none
func (r *Result) Scalar() string {
	if r == nil || len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return ""
	}
	return r.Rows[0][0]
}

// Client executes statements against one cluster with one secret
type Client struct {
	api        API
	clusterARN string
	secretARN  string
	database   string
}

// NewClient creates a Data API executor bound to a cluster, secret and database
func NewClient(api API, clusterARN, secretARN, database string) *Client {
	return &Client{
		api:        api,
		clusterARN: clusterARN,
		secretARN:  secretARN,
		database:   database,
	}
}

// NewFromConfig builds the executor from an AWS config
func NewFromConfig(awsCfg aws.Config, clusterARN, secretARN, database string) *Client {
	return NewClient(rdsdata.NewFromConfig(awsCfg), clusterARN, secretARN, database)
}

// Execute runs sql with named string parameters (":name" placeholders)
func (c *Client) Execute(ctx context.Context, sql string, params map[string]string) (*Result, error) {
	input := &rdsdata.ExecuteStatementInput{
		ResourceArn: aws.String(c.clusterARN),
		SecretArn:   aws.String(c.secretARN),
		Database:    aws.String(c.database),
		Sql:         aws.String(sql),
	}
	for name, value := range params {
		input.Parameters = append(input.Parameters, types.SqlParameter{
			Name:  aws.String(name),
			Value: &types.FieldMemberStringValue{Value: value},
		})
	}

	out, err := c.api.ExecuteStatement(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("data api statement failed: %w", err)
	}

	result := &Result{RecordsAffected: out.NumberOfRecordsUpdated}
	for _, record := range out.Records {
		row := make([]string, len(record))
		for i, field := range record {
			row[i] = fieldString(field)
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func fieldString(f types.Field) string {
	switch v := f.(type) {
	case *types.FieldMemberStringValue:
		return v.Value
	case *types.FieldMemberLongValue:
		return strconv.FormatInt(v.Value, 10)
	case *types.FieldMemberDoubleValue:
		return strconv.FormatFloat(v.Value, 'f', -1, 64)
	case *types.FieldMemberBooleanValue:
		return strconv.FormatBool(v.Value)
	case *types.FieldMemberIsNull:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
