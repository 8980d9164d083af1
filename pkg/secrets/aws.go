package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

// AWSSecretsManager reads secrets from AWS Secrets Manager.
type AWSSecretsManager struct {
	client *secretsmanager.Client
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &AWSSecretsManager{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Get reads "name" or "name#path", where path selects a field of a JSON secret.
func (m *AWSSecretsManager) Get(ctx context.Context, key string) (string, error) {
	name, path, _ := strings.Cut(key, "#")
	result, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from aws: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return field(*result.SecretString, path, key)
}

func field(value, path, key string) (string, error) {
	if path == "" {
		return value, nil
	}
	r := gjson.Get(value, path)
	if !r.Exists() {
		return "", fmt.Errorf("field %s not found in secret %s", path, key)
	}
	return r.String(), nil
}
