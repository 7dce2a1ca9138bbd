package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Provider reads secrets by name
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	GetSecretJSON(ctx context.Context, key string, v interface{}) error
}

// SecretsManagerAPI is the subset of the Secrets Manager client in use
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// AWSSecretsManagerProvider implements Provider using AWS Secrets Manager
type AWSSecretsManagerProvider struct {
	client   SecretsManagerAPI
	cache    map[string]cachedSecret
	cacheMu  sync.RWMutex
	cacheTTL time.Duration
}

// NewAWSSecretsManagerProvider creates a new AWS Secrets Manager provider
func NewAWSSecretsManagerProvider(ctx context.Context, region string, cacheTTL time.Duration) (*AWSSecretsManagerProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSSecretsManagerProviderWithClient(secretsmanager.NewFromConfig(cfg), cacheTTL), nil
}

func NewAWSSecretsManagerProviderWithClient(client SecretsManagerAPI, cacheTTL time.Duration) *AWSSecretsManagerProvider {
	return &AWSSecretsManagerProvider{
		client:   client,
		cache:    make(map[string]cachedSecret),
		cacheTTL: cacheTTL,
	}
}

func (p *AWSSecretsManagerProvider) GetSecret(ctx context.Context, key string) (string, error) {
	p.cacheMu.RLock()
	if cached, ok := p.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		p.cacheMu.RUnlock()
		return cached.value, nil
	}
	p.cacheMu.RUnlock()

	result, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}

	var value string
	if result.SecretString != nil {
		value = *result.SecretString
	} else if result.SecretBinary != nil {
		value = string(result.SecretBinary)
	}

	if p.cacheTTL > 0 {
		p.cacheMu.Lock()
		p.cache[key] = cachedSecret{value: value, expiresAt: time.Now().Add(p.cacheTTL)}
		p.cacheMu.Unlock()
	}

	return value, nil
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (p *AWSSecretsManagerProvider) GetSecretJSON(ctx context.Context, key string, v interface{}) error {
	value, err := p.GetSecret(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), v)
}

// ClearCache clears the secret cache
func (p *AWSSecretsManagerProvider) ClearCache() {
	p.cacheMu.Lock()
	p.cache = make(map[string]cachedSecret)
	p.cacheMu.Unlock()
}
