// Package ecs runs bots as Fargate tasks. Tasks are launched on spot
// capacity; the meeting platform picks the task definition so each bot image
// ships its own browser build.
package ecs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/meeboter/meeboter/internal/config"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/gate"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
)

const spotCapacityProvider = "FARGATE_SPOT"

// API is the slice of the ECS client the adapter uses; satisfied by
// *ecs.Client and mocked in tests.
type API interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// Adapter launches one task per bot in a single cluster.
type Adapter struct {
	client      API
	cfg         config.ECSConfig
	callbackURL string
	gate        *gate.Gate
}

// New builds the cloud-task adapter.
func New(client API, cfg config.ECSConfig, callbackURL string, g *gate.Gate) *Adapter {
	if g == nil {
		g = gate.New(0, 0, nil)
	}
	return &Adapter{client: client, cfg: cfg, callbackURL: callbackURL, gate: g}
}

func (a *Adapter) Name() string { return platform.NameAWS }

// Deploy launches the bot's task. Refuses when no task definition is
// registered for the bot's meeting platform.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.Bot) (*platform.DeployResult, error) {
	taskDef, ok := a.cfg.TaskDefinitions[string(bot.Meeting.Platform)]
	if !ok || taskDef == "" {
		return nil, fmt.Errorf("%w: no task definition for meeting platform %s",
			platform.ErrRefused, bot.Meeting.Platform)
	}

	// Fargate pulls into per-task storage, so there is no shared image
	// cache to serialize; the permit covers the launch call itself.
	if err := a.gate.Acquire(ctx, bot.ID); err != nil {
		return nil, err
	}
	defer a.gate.Release(bot.ID)

	out, err := a.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(a.cfg.Cluster),
		TaskDefinition: aws.String(taskDef),
		Count:          aws.Int32(1),
		CapacityProviderStrategy: []types.CapacityProviderStrategyItem{{
			CapacityProvider: aws.String(spotCapacityProvider),
			Weight:           1,
		}},
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        a.cfg.Subnets,
				SecurityGroups: a.cfg.SecurityGroups,
				AssignPublicIp: types.AssignPublicIpEnabled,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{{
				Name: aws.String("meetbot"),
				Environment: []types.KeyValuePair{
					{Name: aws.String("BOT_ID"), Value: aws.String(strconv.FormatInt(bot.ID, 10))},
					{Name: aws.String("CONTROL_PLANE_URL"), Value: aws.String(a.callbackURL)},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("run task for bot %d: %w", bot.ID, err)
	}

	// Spot capacity shortages surface as failures, not errors.
	if len(out.Tasks) == 0 {
		reason := "no task started"
		if len(out.Failures) > 0 && out.Failures[0].Reason != nil {
			reason = *out.Failures[0].Reason
		}
		if strings.Contains(strings.ToLower(reason), "capacity") {
			return nil, fmt.Errorf("%w: %s", platform.ErrRefused, reason)
		}
		return nil, fmt.Errorf("run task for bot %d: %s", bot.ID, reason)
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	logging.Op().Info("launched bot task", "task", arn, "bot", bot.ID)
	return &platform.DeployResult{Identifier: arn}, nil
}

// Stop terminates the task. Already-stopped and unknown tasks are success.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	_, err := a.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(a.cfg.Cluster),
		Task:    aws.String(identifier),
		Reason:  aws.String("released by control plane"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "not found") ||
			strings.Contains(err.Error(), "InvalidParameterException") {
			return nil
		}
		return fmt.Errorf("stop task %s: %w", identifier, err)
	}
	return nil
}

// Status maps the task's lastStatus onto the common enum. Tasks ECS no
// longer reports are FAILED: they stopped long enough ago to be pruned.
func (a *Adapter) Status(ctx context.Context, identifier string) (platform.State, error) {
	out, err := a.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(a.cfg.Cluster),
		Tasks:   []string{identifier},
	})
	if err != nil {
		return "", fmt.Errorf("describe task %s: %w", identifier, err)
	}
	if len(out.Tasks) == 0 {
		return platform.StateFailed, nil
	}
	return taskState(aws.ToString(out.Tasks[0].LastStatus)), nil
}

// ListDeployments enumerates the cluster's running bot tasks.
func (a *Adapter) ListDeployments(ctx context.Context) ([]platform.Deployment, error) {
	listed, err := a.client.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster: aws.String(a.cfg.Cluster),
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(listed.TaskArns) == 0 {
		return []platform.Deployment{}, nil
	}

	described, err := a.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(a.cfg.Cluster),
		Tasks:   listed.TaskArns,
	})
	if err != nil {
		return nil, fmt.Errorf("describe tasks: %w", err)
	}

	out := make([]platform.Deployment, 0, len(described.Tasks))
	for i := range described.Tasks {
		task := &described.Tasks[i]
		out = append(out, platform.Deployment{
			Identifier: aws.ToString(task.TaskArn),
			BotID:      taskBotID(task),
			State:      taskState(aws.ToString(task.LastStatus)),
		})
	}
	return out, nil
}

// taskBotID recovers the bot id from the BOT_ID override set at launch.
func taskBotID(task *types.Task) int64 {
	if task.Overrides == nil {
		return 0
	}
	for _, c := range task.Overrides.ContainerOverrides {
		for _, kv := range c.Environment {
			if aws.ToString(kv.Name) == "BOT_ID" {
				id, _ := strconv.ParseInt(aws.ToString(kv.Value), 10, 64)
				return id
			}
		}
	}
	return 0
}

func taskState(lastStatus string) platform.State {
	switch lastStatus {
	case "RUNNING":
		return platform.StateRunning
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return platform.StateProvisioning
	case "DEACTIVATING", "STOPPING", "DEPROVISIONING", "STOPPED":
		return platform.StateStopped
	default:
		logging.Op().Warn("unrecognized task status, treating as failed",
			"status", lastStatus)
		return platform.StateFailed
	}
}

// Release is a no-op: tasks own no reusable resources.
func (a *Adapter) Release(context.Context, int64) error { return nil }

// ProcessQueue is a no-op: the cloud adapter has no local queue.
func (a *Adapter) ProcessQueue(context.Context) error { return nil }
