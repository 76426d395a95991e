// Package redisconf resolves the Redis connection URL for the throttle
// store. The URL either comes straight from config or is fetched from an
// SSM parameter, which is how deployments rotate store endpoints without
// restarting with new flags.
package redisconf

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/xerrors"
)

// ssmAPI is the subset of the SSM client the resolver uses, kept small so
// tests can fake it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Options struct {
	Logger log.Logger

	// SSM parameter containing the redis connection URL
	Param string

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	// SSMClient overrides the constructed client (tests)
	SSMClient ssmAPI
}

type Resolver struct {
	opts      Options
	ssmClient ssmAPI
	logger    log.Logger
}

// NewResolver creates a Resolver for the given SSM parameter.
func NewResolver(ctx context.Context, opts Options) (*Resolver, error) {
	if opts.Param == "" {
		return nil, xerrors.New("Param is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	client := opts.SSMClient
	if client == nil {
		var awsCfg aws.Config
		var err error
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = ssm.NewFromConfig(awsCfg)
	}

	return &Resolver{
		opts:      opts,
		ssmClient: client,
		logger:    opts.Logger,
	}, nil
}

// ResolveURL fetches the redis URL from SSM and validates its scheme.
func (r *Resolver) ResolveURL(ctx context.Context) (string, error) {
	out, err := r.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(r.opts.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", r.opts.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", r.opts.Param)
	}

	u := strings.TrimSpace(*out.Parameter.Value)
	if u == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", r.opts.Param)
	}
	if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		return "", xerrors.Newf("SSM parameter %s is not a redis url", r.opts.Param)
	}

	r.logger.Info(ctx, "resolved redis url from ssm", "param", r.opts.Param)
	return u, nil
}
