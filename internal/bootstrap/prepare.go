// Package bootstrap prepares the destination Aurora database: one login
// role and one schema per database user secret of an environment
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dataapi"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	outputAdminSecret    = "AdminSecretArn"
	outputCluster        = "AuroraClusterArn"
	parameterEnvironment = "EnvironmentParameter"
)

// StackAPI is the subset of the CloudFormation API used here
type StackAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// SecretsAPI is the subset of the Secrets Manager API used here
type SecretsAPI interface {
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Stack holds the values read from the database stack
type Stack struct {
	Name           string
	AdminSecretARN string
	ClusterARN     string
	Environment    string
}

// UserSecretPrefix is the name prefix of the database user secrets of the stack's environment
func (s Stack) UserSecretPrefix() string {
	return fmt.Sprintf("uw-cd2-db-user-%s-", s.Environment)
}

// UserResult records what was done for one database user
type UserResult struct {
	Secret        string `json:"secret"`
	Username      string `json:"username"`
	Database      string `json:"database"`
	Created       bool   `json:"created"`
	PasswordReset bool   `json:"password_reset"`
	Granted       bool   `json:"granted"`
	SchemaCreated bool   `json:"schema_created"`
	Error         string `json:"error,omitempty"`
}

// Summary is the result of one preparation
type Summary struct {
	Stack Stack        `json:"-"`
	Admin string       `json:"admin"`
	Users []UserResult `json:"users"`
}

// Failed counts users that could not be fully prepared
func (s *Summary) Failed() int {
	n := 0
	for _, u := range s.Users {
		if u.Error != "" {
			n++
		}
	}
	return n
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"dbname"`
}

// Preparer creates database users and schemas through the RDS Data API
type Preparer struct {
	stacks  StackAPI
	secrets SecretsAPI
	data    dataapi.API
	logger  *zap.Logger
}

// NewPreparer creates a preparer over the given clients
func NewPreparer(stacks StackAPI, secrets SecretsAPI, data dataapi.API, logger *zap.Logger) *Preparer {
	return &Preparer{stacks: stacks, secrets: secrets, data: data, logger: logger}
}

// NewFromConfig creates a preparer backed by AWS
func NewFromConfig(awsCfg aws.Config, logger *zap.Logger) *Preparer {
	return NewPreparer(
		cloudformation.NewFromConfig(awsCfg),
		secretsmanager.NewFromConfig(awsCfg),
		rdsdata.NewFromConfig(awsCfg),
		logger,
	)
}

// DescribeStack reads the admin secret, cluster and environment of stackName
func (p *Preparer) DescribeStack(ctx context.Context, stackName string) (Stack, error) {
	out, err := p.stacks.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return Stack{}, fmt.Errorf("failed to describe stack %s: %w", stackName, err)
	}
	if len(out.Stacks) == 0 {
		return Stack{}, fmt.Errorf("stack %s not found", stackName)
	}

	stack := Stack{Name: stackName}
	for _, o := range out.Stacks[0].Outputs {
		switch aws.ToString(o.OutputKey) {
		case outputAdminSecret:
			stack.AdminSecretARN = aws.ToString(o.OutputValue)
		case outputCluster:
			stack.ClusterARN = aws.ToString(o.OutputValue)
		}
	}
	for _, param := range out.Stacks[0].Parameters {
		if aws.ToString(param.ParameterKey) == parameterEnvironment {
			stack.Environment = aws.ToString(param.ParameterValue)
		}
	}

	switch {
	case stack.AdminSecretARN == "":
		return Stack{}, fmt.Errorf("stack %s has no %s output", stackName, outputAdminSecret)
	case stack.ClusterARN == "":
		return Stack{}, fmt.Errorf("stack %s has no %s output", stackName, outputCluster)
	case stack.Environment == "":
		return Stack{}, fmt.Errorf("stack %s has no %s parameter", stackName, parameterEnvironment)
	}
	return stack, nil
}

// Prepare creates or updates every database user of the stack's environment.
// A failing user is recorded and the next one is prepared; the returned
// error is set only when the stack or the secrets cannot be read
func (p *Preparer) Prepare(ctx context.Context, stackName string) (*Summary, error) {
	stack, err := p.DescribeStack(ctx, stackName)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Starting database preparation",
		zap.String("stack", stack.Name),
		zap.String("environment", stack.Environment),
	)

	admin, err := p.credentials(ctx, stack.AdminSecretARN)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin secret: %w", err)
	}

	arns, err := p.userSecrets(ctx, stack.UserSecretPrefix())
	if err != nil {
		return nil, err
	}

	summary := &Summary{Stack: stack, Admin: admin.Username}
	for _, arn := range arns {
		summary.Users = append(summary.Users, p.prepareUser(ctx, stack, admin.Username, arn))
	}

	p.logger.Info("Finished database preparation",
		zap.Int("users", len(summary.Users)),
		zap.Int("failed", summary.Failed()),
	)
	return summary, nil
}

func (p *Preparer) prepareUser(ctx context.Context, stack Stack, adminUser, secretARN string) UserResult {
	result := UserResult{Secret: secretARN}
	logger := p.logger.With(zap.String("secret", secretARN))

	user, err := p.credentials(ctx, secretARN)
	if err != nil {
		result.Error = err.Error()
		logger.Error("Failed to read user secret", zap.Error(err))
		return result
	}
	result.Username = user.Username
	result.Database = user.Database
	logger = logger.With(zap.String("username", user.Username), zap.String("database", user.Database))

	exec := dataapi.NewClient(p.data, stack.ClusterARN, stack.AdminSecretARN, user.Database)
	role := pq.QuoteIdentifier(user.Username)
	password := pq.QuoteLiteral(user.Password)

	_, err = exec.Execute(ctx, fmt.Sprintf("CREATE USER %s WITH PASSWORD %s LOGIN", role, password), nil)
	switch {
	case err == nil:
		result.Created = true
		logger.Info("Created user")
	case strings.Contains(err.Error(), "already exists"):
		if _, err := exec.Execute(ctx, fmt.Sprintf("ALTER USER %s WITH PASSWORD %s", role, password), nil); err != nil {
			result.Error = fmt.Sprintf("failed to update password: %v", err)
			logger.Error("Failed to update password", zap.Error(err))
			return result
		}
		result.PasswordReset = true
		logger.Info("Updated password of existing user")
	default:
		result.Error = fmt.Sprintf("failed to create user: %v", err)
		logger.Error("Failed to create user", zap.Error(err))
		return result
	}

	if _, err := exec.Execute(ctx, fmt.Sprintf("GRANT %s TO %s", role, pq.QuoteIdentifier(adminUser)), nil); err != nil {
		result.Error = fmt.Sprintf("failed to grant role to %s: %v", adminUser, err)
		logger.Error("Failed to grant role", zap.String("admin", adminUser), zap.Error(err))
		return result
	}
	result.Granted = true

	if _, err := exec.Execute(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS AUTHORIZATION %s", role), nil); err != nil {
		result.Error = fmt.Sprintf("failed to create schema: %v", err)
		logger.Error("Failed to create schema", zap.Error(err))
		return result
	}
	result.SchemaCreated = true
	logger.Info("Prepared user")

	return result
}

// userSecrets lists the ARNs of every secret whose name starts with prefix
func (p *Preparer) userSecrets(ctx context.Context, prefix string) ([]string, error) {
	paginator := secretsmanager.NewListSecretsPaginator(p.secrets, &secretsmanager.ListSecretsInput{
		Filters: []smtypes.Filter{{
			Key:    smtypes.FilterNameStringTypeName,
			Values: []string{prefix},
		}},
		MaxResults: aws.Int32(100),
	})

	var arns []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list secrets with prefix %s: %w", prefix, err)
		}
		for _, s := range page.SecretList {
			if strings.HasPrefix(aws.ToString(s.Name), prefix) {
				arns = append(arns, aws.ToString(s.ARN))
			}
		}
	}
	return arns, nil
}

func (p *Preparer) credentials(ctx context.Context, secretID string) (credentials, error) {
	out, err := p.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return credentials{}, fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	var c credentials
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &c); err != nil {
		return credentials{}, fmt.Errorf("failed to decode secret %s: %w", secretID, err)
	}
	if c.Username == "" {
		return credentials{}, fmt.Errorf("secret %s has no username", secretID)
	}
	return c, nil
}
