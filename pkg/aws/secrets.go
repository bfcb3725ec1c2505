package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/sync/singleflight"
)

// Secrets the payments service reads, relative to the client prefix.
const (
	SecretDBCredentials  = "DB_CREDENTIALS"
	SecretWebhookSecrets = "WEBHOOK_SECRETS"
	SecretJWT            = "JWT_SECRET"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsClient reads secrets stored under one prefix, such as "payments/",
// and keeps them for the process lifetime. Concurrent lookups of one name
// share a request.
type SecretsClient struct {
	api    secretsAPI
	prefix string
	group  singleflight.Group
	cache  sync.Map
}

func NewSecretsClient(cfg sdkaws.Config, prefix string) *SecretsClient {
	return &SecretsClient{api: secretsmanager.NewFromConfig(cfg), prefix: prefix}
}

func (s *SecretsClient) GetSecret(ctx context.Context, name string) (string, error) {
	id := s.prefix + name
	if v, ok := s.cache.Load(id); ok {
		return v.(string), nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(id)})
		if err != nil {
			return nil, fmt.Errorf("get secret %s: %w", id, err)
		}
		if out.SecretString == nil {
			return nil, fmt.Errorf("secret %s has no string value", id)
		}
		s.cache.Store(id, *out.SecretString)
		return *out.SecretString, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetSecretFields reads a secret holding a flat JSON object of strings.
func (s *SecretsClient) GetSecretFields(ctx context.Context, name string) (map[string]string, error) {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode secret %s%s: %w", s.prefix, name, err)
	}
	return fields, nil
}
