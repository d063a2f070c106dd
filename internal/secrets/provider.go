package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrMissingKey is returned when a parameter or secret lacks a required key
var ErrMissingKey = errors.New("missing required key")

// ParameterStore is the subset of the SSM API used here
type ParameterStore interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SecretStore is the subset of the Secrets Manager API used here
type SecretStore interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// parameterCacheSize bounds the number of parameter paths kept
const parameterCacheSize = 16

// Provider resolves API credentials and database parameters.
// Parameter lookups by path are cached for maxAge
type Provider struct {
	params  ParameterStore
	secrets SecretStore
	logger  *zap.Logger

	// nil when maxAge is not positive
	cache *expirable.LRU[string, map[string]string]
}

// NewProvider creates a provider over the given stores. A maxAge of zero
// disables the parameter cache
func NewProvider(params ParameterStore, secrets SecretStore, maxAge time.Duration, logger *zap.Logger) *Provider {
	p := &Provider{
		params:  params,
		secrets: secrets,
		logger:  logger,
	}
	if maxAge > 0 {
		p.cache = expirable.NewLRU[string, map[string]string](parameterCacheSize, nil, maxAge)
	}
	return p
}

// LoadAWSConfig loads the default AWS configuration, pinning region when set
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// Parameters returns every decrypted parameter under path keyed by its base name
func (p *Provider) Parameters(ctx context.Context, paramPath string) (map[string]string, error) {
	if p.cache != nil {
		if values, ok := p.cache.Get(paramPath); ok {
			return values, nil
		}
	}

	values := make(map[string]string)
	input := &ssm.GetParametersByPathInput{
		Path:           aws.String(paramPath),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	}
	for {
		out, err := p.params.GetParametersByPath(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters under %s: %w", paramPath, err)
		}
		for _, param := range out.Parameters {
			values[path.Base(aws.ToString(param.Name))] = aws.ToString(param.Value)
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	if p.cache != nil {
		p.cache.Add(paramPath, values)
	}

	p.logger.Debug("Loaded parameters", zap.String("path", paramPath), zap.Int("count", len(values)))
	return values, nil
}

// SecretJSON fetches a secret and decodes its string value as a JSON object
func (p *Provider) SecretJSON(ctx context.Context, secretID string) (map[string]any, error) {
	out, err := p.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &values); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", secretID, err)
	}
	return values, nil
}

// Credentials resolves the DAP client credentials stored under paramPath
func (p *Provider) Credentials(ctx context.Context, paramPath string) (Credentials, error) {
	values, err := p.Parameters(ctx, paramPath)
	if err != nil {
		return Credentials{}, err
	}

	creds := Credentials{
		ClientID:     values["dap_client_id"],
		ClientSecret: values["dap_client_secret"],
	}
	if creds.ClientID == "" {
		return Credentials{}, fmt.Errorf("%w: %s/dap_client_id", ErrMissingKey, paramPath)
	}
	if creds.ClientSecret == "" {
		return Credentials{}, fmt.Errorf("%w: %s/dap_client_secret", ErrMissingKey, paramPath)
	}

	p.logger.Info("Resolved DAP credentials", zap.String("dap_client_id", creds.ClientID))
	return creds, nil
}

// DatabaseParameters resolves the database user secret into connection parameters
func (p *Provider) DatabaseParameters(ctx context.Context, secretID string) (ConnectionParameters, error) {
	values, err := p.SecretJSON(ctx, secretID)
	if err != nil {
		return ConnectionParameters{}, err
	}

	port, err := intValue(values["port"])
	if err != nil {
		return ConnectionParameters{}, fmt.Errorf("invalid port in secret %s: %w", secretID, err)
	}

	params := ConnectionParameters{
		Host:     stringValue(values["host"]),
		Port:     port,
		Database: stringValue(values["dbname"]),
		User:     stringValue(values["username"]),
		Password: stringValue(values["password"]),
	}
	if err := params.Validate(); err != nil {
		return ConnectionParameters{}, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return params, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func intValue(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	case nil:
		return 0, ErrMissingKey
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
