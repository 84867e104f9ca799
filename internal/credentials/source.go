package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	DefaultSessionName  = "ProxySession"
	DefaultRoleDuration = time.Hour
)

// SourceOptions selects where base credentials come from.
type SourceOptions struct {
	Region string
	// RoleARN, when set, makes the source assume this role with the base
	// credentials from the default chain.
	RoleARN      string
	SessionName  string
	RoleDuration time.Duration
}

// NewSource builds the credential provider the Cache refreshes from: the
// default AWS chain, optionally exchanged for an assumed role through STS.
func NewSource(ctx context.Context, options SourceOptions) (aws.CredentialsProvider, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{}
	if region := strings.TrimSpace(options.Region); region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	roleARN := strings.TrimSpace(options.RoleARN)
	if roleARN == "" {
		return cfg.Credentials, nil
	}

	sessionName := strings.TrimSpace(options.SessionName)
	if sessionName == "" {
		sessionName = DefaultSessionName
	}
	duration := options.RoleDuration
	if duration <= 0 {
		duration = DefaultRoleDuration
	}

	client := sts.NewFromConfig(cfg)
	return stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		o.Duration = duration
	}), nil
}
