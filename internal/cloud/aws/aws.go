// Package aws implements the cloud boundary over CloudFormation and
// CloudWatch Logs.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/cloud"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
)

// Clients bundles the AWS service clients the console needs.
type Clients struct {
	cfn  *cloudformation.Client
	logs *cloudwatchlogs.Client
}

// New loads the default AWS configuration and constructs service clients.
// Region overrides the environment/profile region when non-empty.
func New(ctx context.Context, region string) (*Clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	return &Clients{
		cfn:  cloudformation.NewFromConfig(cfg),
		logs: cloudwatchlogs.NewFromConfig(cfg),
	}, nil
}

// StackExists reports whether the named CloudFormation stack is deployed.
// A missing stack is not an error.
func (c *Clients) StackExists(ctx context.Context, stackName string) (bool, error) {
	_, err := c.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		// DescribeStacks surfaces a missing stack as a ValidationError
		// rather than a typed not-found error.
		if strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, fmt.Errorf("aws: describe stack %s: %w", stackName, err)
	}
	return true, nil
}

// FetchLogEntriesSince reads log events newer than the cursor. The cursor
// encodes the newest event timestamp already delivered, in epoch millis.
func (c *Clients) FetchLogEntriesSince(ctx context.Context, logGroup, cursor string) ([]domain.LogEntry, string, error) {
	since := parseCursor(cursor)
	if since == 0 {
		// First fetch: begin near the present rather than replaying the
		// group's entire retention window.
		since = time.Now().Add(-time.Minute).UnixMilli()
	}

	var (
		entries []domain.LogEntry
		newest  = since
		token   *string
	)
	for {
		input := &cloudwatchlogs.FilterLogEventsInput{
			LogGroupName: aws.String(logGroup),
			NextToken:    token,
			StartTime:    aws.Int64(since + 1),
		}
		out, err := c.logs.FilterLogEvents(ctx, input)
		if err != nil {
			var notFound *cwltypes.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return nil, cursor, cloud.ErrLogGroupNotFound
			}
			return nil, cursor, fmt.Errorf("aws: filter log events %s: %w", logGroup, err)
		}
		for _, ev := range out.Events {
			ts := aws.ToInt64(ev.Timestamp)
			entries = append(entries, domain.LogEntry{
				Timestamp: time.UnixMilli(ts).UTC(),
				Message:   aws.ToString(ev.Message),
			})
			if ts > newest {
				newest = ts
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return entries, formatCursor(newest), nil
}

func parseCursor(cursor string) int64 {
	if cursor == "" {
		return 0
	}
	ms, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func formatCursor(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return strconv.FormatInt(ms, 10)
}
