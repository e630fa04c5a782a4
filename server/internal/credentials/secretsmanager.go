package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/obsidianstack/pulse/server/internal/config"
)

const defaultSecretTTL = 5 * time.Minute

// SecretsAPI is the part of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads secret_id credentials from AWS Secrets Manager and
// caches each secret for a few minutes.
type SecretsManager struct {
	client SecretsAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value   string
	fetched time.Time
}

// NewSecretsManager builds a client from the default AWS credential chain
// in region.
func NewSecretsManager(ctx context.Context, region string) (*SecretsManager, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("credentials: load aws config: %w", err)
	}
	return NewSecretsManagerWithClient(secretsmanager.NewFromConfig(awsCfg)), nil
}

func NewSecretsManagerWithClient(client SecretsAPI) *SecretsManager {
	return &SecretsManager{client: client, ttl: defaultSecretTTL, now: time.Now, cache: make(map[string]cachedSecret)}
}

// Lookup resolves secret_id. "name#field" selects one string field of a
// JSON secret.
func (s *SecretsManager) Lookup(ctx context.Context, dest config.Destination) (string, error) {
	if dest.SecretID == "" {
		return "", ErrNoCredential
	}
	id, field, _ := strings.Cut(dest.SecretID, "#")

	raw, err := s.fetch(ctx, id)
	if err != nil {
		return "", fmt.Errorf("credentials: %s: %w", dest.ID, err)
	}
	if field == "" {
		return strings.TrimSpace(raw), nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("credentials: %s: secret %s is not JSON: %w", dest.ID, id, err)
	}
	v, ok := doc[field].(string)
	if !ok {
		return "", fmt.Errorf("credentials: %s: secret %s has no string field %q", dest.ID, id, field)
	}
	return v, nil
}

func (s *SecretsManager) fetch(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	c, ok := s.cache[id]
	s.mu.Unlock()
	if ok && s.now().Sub(c.fetched) < s.ttl {
		return c.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	var value string
	switch {
	case out.SecretString != nil:
		value = aws.ToString(out.SecretString)
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", id)
	}

	s.mu.Lock()
	s.cache[id] = cachedSecret{value: value, fetched: s.now()}
	s.mu.Unlock()
	return value, nil
}
