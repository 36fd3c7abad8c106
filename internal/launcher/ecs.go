package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// ErrCapacity is returned when no run can be started right now. The caller
// should retry later.
var ErrCapacity = errors.New("run capacity exhausted")

const (
	BackendECS     = "ecs"
	BackendProcess = "process"

	startedBy = "transcode-dispatcher"
)

// ECSClient is the part of the ECS API the launcher uses
type ECSClient interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
}

// ECSLauncher starts each run as a Fargate task
type ECSLauncher struct {
	client         ECSClient
	cluster        string
	taskDefinition string
	containerName  string
	subnets        []string
	securityGroups []string
	logger         *logging.Logger
}

// NewECSLauncher loads AWS credentials from the environment and creates an
// ECS client.
func NewECSLauncher(ctx context.Context, cfg config.LauncherConfig, logger *logging.Logger) (*ECSLauncher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewECSLauncherWithClient(ecs.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewECSLauncherWithClient creates a launcher around an existing client
func NewECSLauncherWithClient(client ECSClient, cfg config.LauncherConfig, logger *logging.Logger) *ECSLauncher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ECSLauncher{
		client:         client,
		cluster:        cfg.Cluster,
		taskDefinition: cfg.TaskDefinition,
		containerName:  cfg.ContainerName,
		subnets:        cfg.Subnets,
		securityGroups: cfg.SecurityGroups,
		logger:         logger,
	}
}

// Schedule starts one task with the run parameters as container
// environment. It returns once ECS has accepted the task.
func (l *ECSLauncher) Schedule(ctx context.Context, params models.RunParameters) (models.RunHandle, error) {
	input := &ecs.RunTaskInput{
		TaskDefinition: aws.String(l.taskDefinition),
		LaunchType:     types.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(startedBy),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        l.subnets,
				SecurityGroups: l.securityGroups,
				AssignPublicIp: types.AssignPublicIpEnabled,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{
				{
					Name:        aws.String(l.containerName),
					Environment: containerEnvironment(params),
				},
			},
		},
	}
	if l.cluster != "" {
		input.Cluster = aws.String(l.cluster)
	}

	out, err := l.client.RunTask(ctx, input)
	if err != nil {
		metrics.RecordRunScheduled(BackendECS, "error")
		return models.RunHandle{}, fmt.Errorf("failed to run task: %w", err)
	}

	if len(out.Failures) > 0 || len(out.Tasks) == 0 {
		metrics.RecordRunScheduled(BackendECS, "capacity")
		return models.RunHandle{}, fmt.Errorf("%w: %s", ErrCapacity, describeFailures(out.Failures))
	}

	handle := models.RunHandle{
		ID:          aws.ToString(out.Tasks[0].TaskArn),
		Params:      params,
		ScheduledAt: time.Now(),
	}

	metrics.RecordRunScheduled(BackendECS, "success")
	l.logger.WithRunID(handle.ID).Infof("Started task %s for s3://%s/%s", l.taskDefinition, params.SourceBucket, params.SourceKey)

	return handle, nil
}

func containerEnvironment(params models.RunParameters) []types.KeyValuePair {
	env := params.Env()
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]types.KeyValuePair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, types.KeyValuePair{
			Name:  aws.String(name),
			Value: aws.String(env[name]),
		})
	}
	return pairs
}

func describeFailures(failures []types.Failure) string {
	if len(failures) == 0 {
		return "no task started"
	}

	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reason := aws.ToString(f.Reason)
		if detail := aws.ToString(f.Detail); detail != "" {
			reason += " (" + detail + ")"
		}
		reasons = append(reasons, reason)
	}
	return strings.Join(reasons, ", ")
}
