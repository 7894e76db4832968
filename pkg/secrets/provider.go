package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = fmt.Errorf("secrets provider unavailable")
	ErrSecretNotFound      = fmt.Errorf("secret not found")
)

// Provider fetches one named secret. The server itself never encrypts
// anything (clients do), so retrieval is the whole surface.
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter resolves secrets through a primary managed provider (Vault,
// then AWS Secrets Manager) with an optional environment fallback. With
// fail-closed set, a primary failure is terminal rather than silently
// served from the environment.
type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	var primary, fallback Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(); err == nil {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				primary = ap
			}
		}
	}
	fallback = envProvider{}
	failClosed := os.Getenv("SECRETS_FAIL_CLOSED") == "true"
	if failClosed && primary == nil {
		return nil, fmt.Errorf("SECRETS_FAIL_CLOSED=true but no managed provider available (checked Vault, AWS)")
	}
	return &Adapter{
		primary:    primary,
		fallback:   fallback,
		failClosed: failClosed,
	}, nil
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret %s failed (fail-closed): %w", key, err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type envProvider struct{}

func (envProvider) GetSecret(_ context.Context, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	secretPath string
}

func newVaultProvider() (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	mountPath := os.Getenv("VAULT_MOUNT_PATH")
	if mountPath == "" {
		mountPath = "secret"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "delerium"
	}
	return &vaultProvider{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
	}, nil
}

func (p *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := p.client.KVv2(p.mountPath).Get(ctx, p.secretPath)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", p.mountPath, p.secretPath, err)
	}
	raw, ok := secret.Data[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	val, ok := raw.(string)
	if !ok || val == "" {
		return "", ErrSecretNotFound
	}
	return val, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	prefix := os.Getenv("AWS_SECRETS_PREFIX")
	if prefix == "" {
		prefix = "delerium/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(awsCfg),
		prefix: prefix,
	}, nil
}

func (p *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	name := p.prefix + key
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return "", fmt.Errorf("secretsmanager get %s: %w", name, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", ErrSecretNotFound
	}
	return *out.SecretString, nil
}
