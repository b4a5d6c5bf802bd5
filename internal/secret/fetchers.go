package secret

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerFetcher reads secrets from AWS Secrets Manager.
type SecretsManagerFetcher struct {
	client SecretsManagerAPI
}

func NewSecretsManagerFetcher(client SecretsManagerAPI) *SecretsManagerFetcher {
	return &SecretsManagerFetcher{client: client}
}

func (f *SecretsManagerFetcher) Fetch(ctx context.Context, name string) (string, error) {
	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", ErrNotFound
}

// EnvFetcher treats the secret name as an environment variable. Used for local runs.
type EnvFetcher struct {
	lookup func(string) (string, bool)
}

func NewEnvFetcher() *EnvFetcher {
	return &EnvFetcher{lookup: os.LookupEnv}
}

func (f *EnvFetcher) Fetch(_ context.Context, name string) (string, error) {
	v, ok := f.lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, name)
	}
	return v, nil
}
