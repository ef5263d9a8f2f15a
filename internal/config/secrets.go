package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretRefPrefix marks a config value that names an SSM parameter instead of
// holding the secret itself, e.g. "ssm:/voicerelay/gateway-token".
const SecretRefPrefix = "ssm:"

// IsSecretRef reports whether v is an unresolved secret reference.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, SecretRefPrefix)
}

// SecretGetter fetches the plaintext value of a named parameter.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ssmAPI is the subset of *ssm.Client used by [SSMResolver].
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver reads SecureString parameters from AWS Systems Manager
// Parameter Store.
type SSMResolver struct {
	api ssmAPI
}

var _ SecretGetter = (*SSMResolver)(nil)

// NewSSMResolver wraps an SSM API client.
func NewSSMResolver(api ssmAPI) (*SSMResolver, error) {
	if api == nil {
		return nil, errors.New("config: ssm api must not be nil")
	}
	return &SSMResolver{api: api}, nil
}

// NewSSMResolverFromEnv builds a resolver from the default AWS credential
// chain. region overrides the chain's region when non-empty.
func NewSSMResolverFromEnv(ctx context.Context, region string) (*SSMResolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: load aws config: %w", err)
	}
	return NewSSMResolver(ssm.NewFromConfig(awsCfg))
}

// GetParameter returns the decrypted value of the parameter called name.
func (r *SSMResolver) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("config: ssm parameter name is required")
	}
	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("config: get ssm parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("config: ssm parameter %q has no value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// secretFields returns pointers to every field that may hold a secret.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"auth.token":    &cfg.Auth.Token,
		"gateway.token": &cfg.Gateway.Token,
	}
	for i := range cfg.Providers.STT {
		fields[fmt.Sprintf("providers.stt[%d].api_key", i)] = &cfg.Providers.STT[i].APIKey
	}
	for i := range cfg.Providers.TTS {
		fields[fmt.Sprintf("providers.tts[%d].api_key", i)] = &cfg.Providers.TTS[i].APIKey
	}
	return fields
}

// HasSecretRefs reports whether any secret field of cfg is still a reference.
func HasSecretRefs(cfg *Config) bool {
	for _, p := range secretFields(cfg) {
		if IsSecretRef(*p) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every "ssm:" reference in cfg with the value
// fetched through getter. Each distinct parameter is fetched once. All
// failures are reported together.
func ResolveSecrets(ctx context.Context, cfg *Config, getter SecretGetter) error {
	if !HasSecretRefs(cfg) {
		return nil
	}
	if getter == nil {
		return errors.New("config: secret references present but no resolver configured")
	}

	cache := make(map[string]string)
	var errs []error
	for field, p := range secretFields(cfg) {
		if !IsSecretRef(*p) {
			continue
		}
		name := strings.TrimPrefix(*p, SecretRefPrefix)
		v, ok := cache[name]
		if !ok {
			var err error
			v, err = getter.GetParameter(ctx, name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field, err))
				continue
			}
			cache[name] = v
		}
		*p = v
	}
	return errors.Join(errs...)
}
