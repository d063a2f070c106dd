package bootstrap_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/bootstrap"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStacks struct {
	outputs map[string]string
	params  map[string]string
}

func (f *fakeStacks) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if aws.ToString(in.StackName) != "cd2-aurora" {
		return nil, errors.New("Stack with id " + aws.ToString(in.StackName) + " does not exist")
	}
	stack := cftypes.Stack{StackName: in.StackName}
	for k, v := range f.outputs {
		stack.Outputs = append(stack.Outputs, cftypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
	}
	for k, v := range f.params {
		stack.Parameters = append(stack.Parameters, cftypes.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(v)})
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{stack}}, nil
}

// fakeSecrets serves two pages of secrets; values are keyed by ARN
type fakeSecrets struct {
	pages   [][]smtypes.SecretListEntry
	values  map[string]string
	filters []string
}

func (f *fakeSecrets) ListSecrets(_ context.Context, in *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	for _, filter := range in.Filters {
		f.filters = append(f.filters, filter.Values...)
	}
	page := 0
	if in.NextToken != nil {
		page = 1
	}
	out := &secretsmanager.ListSecretsOutput{SecretList: f.pages[page]}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

// fakeData records statements and fails those containing a configured fragment
type fakeData struct {
	statements []string
	databases  []string
	failOn     map[string]string
}

func (f *fakeData) ExecuteStatement(_ context.Context, in *rdsdata.ExecuteStatementInput, _ ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error) {
	sql := aws.ToString(in.Sql)
	f.statements = append(f.statements, sql)
	f.databases = append(f.databases, aws.ToString(in.Database))
	for fragment, msg := range f.failOn {
		if strings.Contains(sql, fragment) {
			return nil, errors.New(msg)
		}
	}
	return &rdsdata.ExecuteStatementOutput{}, nil
}

func entry(name string) smtypes.SecretListEntry {
	return smtypes.SecretListEntry{Name: aws.String(name), ARN: aws.String("arn:" + name)}
}

func newFixture() (*fakeStacks, *fakeSecrets, *fakeData) {
	stacks := &fakeStacks{
		outputs: map[string]string{"AdminSecretArn": "arn:admin", "AuroraClusterArn": "arn:cluster"},
		params:  map[string]string{"EnvironmentParameter": "prod"},
	}
	secrets := &fakeSecrets{
		pages: [][]smtypes.SecretListEntry{
			{entry("uw-cd2-db-user-prod-canvas"), entry("uw-cd2-db-user-dev-canvas")},
			{entry("uw-cd2-db-user-prod-reporting")},
		},
		values: map[string]string{
			"arn:admin":                          `{"username":"cd2admin","password":"x"}`,
			"arn:uw-cd2-db-user-prod-canvas":    `{"username":"canvas","password":"p'w","dbname":"cd2"}`,
			"arn:uw-cd2-db-user-prod-reporting": `{"username":"reporting","password":"r","dbname":"cd2"}`,
		},
	}
	return stacks, secrets, &fakeData{}
}

func TestPreparer_DescribeStack(t *testing.T) {
	stacks, secrets, data := newFixture()
	p := bootstrap.NewPreparer(stacks, secrets, data, zap.NewNop())

	stack, err := p.DescribeStack(context.Background(), "cd2-aurora")
	require.NoError(t, err)
	assert.Equal(t, "arn:admin", stack.AdminSecretARN)
	assert.Equal(t, "arn:cluster", stack.ClusterARN)
	assert.Equal(t, "uw-cd2-db-user-prod-", stack.UserSecretPrefix())

	_, err = p.DescribeStack(context.Background(), "missing")
	assert.Error(t, err)

	delete(stacks.outputs, "AuroraClusterArn")
	_, err = p.DescribeStack(context.Background(), "cd2-aurora")
	assert.ErrorContains(t, err, "AuroraClusterArn")
}

func TestPreparer_Prepare(t *testing.T) {
	stacks, secrets, data := newFixture()
	p := bootstrap.NewPreparer(stacks, secrets, data, zap.NewNop())

	summary, err := p.Prepare(context.Background(), "cd2-aurora")
	require.NoError(t, err)

	assert.Equal(t, []string{"uw-cd2-db-user-prod-"}, secrets.filters[:1])
	assert.Equal(t, "cd2admin", summary.Admin)
	require.Len(t, summary.Users, 2, "secrets of other environments are ignored")
	assert.Zero(t, summary.Failed())

	assert.Equal(t, []string{
		`CREATE USER "canvas" WITH PASSWORD 'p''w' LOGIN`,
		`GRANT "canvas" TO "cd2admin"`,
		`CREATE SCHEMA IF NOT EXISTS AUTHORIZATION "canvas"`,
		`CREATE USER "reporting" WITH PASSWORD 'r' LOGIN`,
		`GRANT "reporting" TO "cd2admin"`,
		`CREATE SCHEMA IF NOT EXISTS AUTHORIZATION "reporting"`,
	}, data.statements)
	for _, db := range data.databases {
		assert.Equal(t, "cd2", db)
	}

	u := summary.Users[0]
	assert.True(t, u.Created)
	assert.True(t, u.Granted)
	assert.True(t, u.SchemaCreated)
	assert.False(t, u.PasswordReset)
}

func TestPreparer_ExistingUserGetsNewPassword(t *testing.T) {
	stacks, secrets, data := newFixture()
	data.failOn = map[string]string{`CREATE USER "canvas"`: `ERROR: role "canvas" already exists`}
	p := bootstrap.NewPreparer(stacks, secrets, data, zap.NewNop())

	summary, err := p.Prepare(context.Background(), "cd2-aurora")
	require.NoError(t, err)

	u := summary.Users[0]
	assert.False(t, u.Created)
	assert.True(t, u.PasswordReset)
	assert.True(t, u.SchemaCreated)
	assert.Contains(t, data.statements, `ALTER USER "canvas" WITH PASSWORD 'p''w'`)
}

func TestPreparer_ContinuesAfterUserFailure(t *testing.T) {
	stacks, secrets, data := newFixture()
	data.failOn = map[string]string{`GRANT "canvas"`: "permission denied"}
	p := bootstrap.NewPreparer(stacks, secrets, data, zap.NewNop())

	summary, err := p.Prepare(context.Background(), "cd2-aurora")
	require.NoError(t, err)
	require.Len(t, summary.Users, 2)
	assert.Equal(t, 1, summary.Failed())

	assert.Contains(t, summary.Users[0].Error, "permission denied")
	assert.False(t, summary.Users[0].SchemaCreated)
	assert.Empty(t, summary.Users[1].Error)
	assert.True(t, summary.Users[1].SchemaCreated)
	assert.NotContains(t, data.statements, `CREATE SCHEMA IF NOT EXISTS AUTHORIZATION "canvas"`)
}

func TestPreparer_MissingUserSecret(t *testing.T) {
	stacks, secrets, data := newFixture()
	delete(secrets.values, "arn:uw-cd2-db-user-prod-canvas")
	p := bootstrap.NewPreparer(stacks, secrets, data, zap.NewNop())

	summary, err := p.Prepare(context.Background(), "cd2-aurora")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed())
	assert.Len(t, data.statements, 3)
}
