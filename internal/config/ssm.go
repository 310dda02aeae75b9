package config

import (
	"context"
	"fmt"
	"path"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/goceleris/sockd/internal/retry"
)

// ParameterSource returns configuration parameters stored under a path,
// keyed by flag name.
type ParameterSource interface {
	Parameters(ctx context.Context, prefix string) (map[string]string, error)
}

type ssmAPI interface {
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, opts ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMSource reads parameters from AWS SSM Parameter Store. The last path
// element of each parameter name is the flag name: /sockd/bufsize sets
// -bufsize.
type SSMSource struct {
	client ssmAPI
	policy retry.Policy
}

// NewSSMSource creates a source using the default AWS credential chain. An
// empty region falls back to AWS_REGION.
func NewSSMSource(ctx context.Context, region string) (*SSMSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SSMSource{client: ssm.NewFromConfig(cfg), policy: retry.DefaultPolicy}, nil
}

// Parameters implements ParameterSource.
func (s *SSMSource) Parameters(ctx context.Context, prefix string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params := make(map[string]string)
	var token *string
	for {
		in := &ssm.GetParametersByPathInput{
			Path:           strPtr(prefix),
			WithDecryption: boolPtr(true),
			NextToken:      token,
		}
		out, err := retry.WithRetry(ctx, s.policy, "ssm.GetParametersByPath", func() (*ssm.GetParametersByPathOutput, error) {
			return s.client.GetParametersByPath(ctx, in)
		})
		if err != nil {
			return nil, err
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			params[path.Base(*p.Name)] = *p.Value
		}
		if out.NextToken == nil || *out.NextToken == "" {
			return params, nil
		}
		token = out.NextToken
	}
}

func strPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}
