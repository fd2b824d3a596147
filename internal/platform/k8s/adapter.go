// Package k8s runs bots as Kubernetes Jobs. Each deployment is one Job with
// a single pod; the Job's TTL controller cleans up finished pods so the
// control plane never has to garbage-collect the cluster.
package k8s

import (
	"context"
	"fmt"
	"strconv"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/meeboter/meeboter/internal/config"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/gate"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
)

const (
	labelApp      = "app"
	labelAppValue = "meetbot"
	labelBotID    = "bot-id"
	labelManaged  = "managed-by"
	managedValue  = "meeboter"

	// Browsers inside the bot container need a real /dev/shm.
	shmSizeMi = 512

	jobTTLSeconds   = int32(300)
	jobBackoffLimit = int32(0)

	// The startup observer holds the deployment permit and image pull
	// lock until a pod reports Running, proving the image is on a node.
	startupObserveTimeout = 10 * time.Minute
	startupObservePoll    = 2 * time.Second
)

// Adapter deploys bots as Jobs in one namespace.
type Adapter struct {
	client      kubernetes.Interface
	cfg         config.K8sConfig
	callbackURL string
	botLimit    int
	gate        *gate.Gate
	locks       *gate.ImageLocks
}

// New builds the cluster adapter. botLimit caps concurrently active bots;
// zero means unlimited.
func New(client kubernetes.Interface, cfg config.K8sConfig, callbackURL string, botLimit int, g *gate.Gate, locks *gate.ImageLocks) *Adapter {
	if g == nil {
		g = gate.New(0, 0, nil)
	}
	if locks == nil {
		locks = gate.NewImageLocks()
	}
	return &Adapter{
		client:      client,
		cfg:         cfg,
		callbackURL: callbackURL,
		botLimit:    botLimit,
		gate:        g,
		locks:       locks,
	}
}

func (a *Adapter) Name() string { return platform.NameK8s }

func jobName(botID int64) string {
	return fmt.Sprintf("meetbot-%d-%d", botID, time.Now().Unix())
}

// image picks the per-meeting-platform bot image.
func (a *Adapter) image(bot *domain.Bot) string {
	return fmt.Sprintf("%s/meetbot-%s:%s", a.cfg.ImageRegistry, bot.Meeting.Platform, a.cfg.ImageTag)
}

// Deploy creates the bot's Job. Refuses when the active Job count is at the
// configured limit. A deployment permit and the image pull lock are held
// until the startup observer sees the Job's pod Running.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.Bot) (*platform.DeployResult, error) {
	if a.botLimit > 0 {
		active, err := a.activeJobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("count active jobs: %w", err)
		}
		if active >= a.botLimit {
			return nil, fmt.Errorf("%w: %d/%d active jobs", platform.ErrRefused, active, a.botLimit)
		}
	}

	if err := a.gate.Acquire(ctx, bot.ID); err != nil {
		return nil, err
	}
	image := a.image(bot)
	lease, err := a.locks.Acquire(ctx, platform.NameK8s, image)
	if err != nil {
		a.gate.Release(bot.ID)
		return nil, err
	}

	job := a.buildJob(bot)
	created, err := a.client.BatchV1().Jobs(a.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		lease.Release(err)
		a.gate.Release(bot.ID)
		return nil, fmt.Errorf("create job for bot %d: %w", bot.ID, err)
	}

	go a.observeStartup(created.Name, bot.ID, lease)

	logging.Op().Info("created bot job",
		"job", created.Name, "bot", bot.ID, "namespace", a.cfg.Namespace)
	return &platform.DeployResult{Identifier: created.Name}, nil
}

// observeStartup waits for the Job's pod to reach Running, then releases the
// pull lease (marking the image cached) and the deployment permit. On timeout
// the lease fails over to the next waiter.
func (a *Adapter) observeStartup(jobName string, botID int64, lease *gate.ImageLease) {
	ctx, cancel := context.WithTimeout(context.Background(), startupObserveTimeout)
	defer cancel()

	ticker := time.NewTicker(startupObservePoll)
	defer ticker.Stop()

	for {
		running, err := a.podRunning(ctx, jobName)
		if err != nil {
			logging.Op().Warn("pod startup check failed",
				"job", jobName, "error", err)
		}
		if running {
			lease.Release(nil)
			a.gate.Release(botID)
			return
		}

		select {
		case <-ctx.Done():
			lease.Release(fmt.Errorf("pod for job %s not running after %s",
				jobName, startupObserveTimeout))
			a.gate.Release(botID)
			logging.Op().Warn("gave up waiting for pod startup",
				"job", jobName, "bot", botID)
			return
		case <-ticker.C:
		}
	}
}

// podRunning reports whether any pod of the Job has reached Running.
func (a *Adapter) podRunning(ctx context.Context, jobName string) (bool, error) {
	pods, err := a.client.CoreV1().Pods(a.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return false, err
	}
	for i := range pods.Items {
		if pods.Items[i].Status.Phase == corev1.PodRunning {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) activeJobs(ctx context.Context) (int, error) {
	list, err := a.client.BatchV1().Jobs(a.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelApp + "=" + labelAppValue,
	})
	if err != nil {
		return 0, err
	}
	active := 0
	for i := range list.Items {
		if list.Items[i].Status.Active > 0 ||
			(list.Items[i].Status.Succeeded == 0 && list.Items[i].Status.Failed == 0) {
			active++
		}
	}
	return active, nil
}

func (a *Adapter) buildJob(bot *domain.Bot) *batchv1.Job {
	ttl := jobTTLSeconds
	backoff := jobBackoffLimit
	shmSize := resource.MustParse(fmt.Sprintf("%dMi", shmSizeMi))

	labels := map[string]string{
		labelApp:     labelAppValue,
		labelManaged: managedValue,
		labelBotID:   strconv.FormatInt(bot.ID, 10),
	}

	var pullSecrets []corev1.LocalObjectReference
	if a.cfg.ImagePullSecret != "" {
		pullSecrets = []corev1.LocalObjectReference{{Name: a.cfg.ImagePullSecret}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(bot.ID),
			Namespace: a.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:    corev1.RestartPolicyNever,
					ImagePullSecrets: pullSecrets,
					Containers: []corev1.Container{{
						Name:  "meetbot",
						Image: a.image(bot),
						Env: []corev1.EnvVar{
							{Name: "BOT_ID", Value: strconv.FormatInt(bot.ID, 10)},
							{Name: "CONTROL_PLANE_URL", Value: a.callbackURL},
						},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(a.cfg.CPURequest),
								corev1.ResourceMemory: resource.MustParse(a.cfg.MemoryRequest),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(a.cfg.CPULimit),
								corev1.ResourceMemory: resource.MustParse(a.cfg.MemoryLimit),
							},
						},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "shm",
							MountPath: "/dev/shm",
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "shm",
						VolumeSource: corev1.VolumeSource{
							EmptyDir: &corev1.EmptyDirVolumeSource{
								Medium:    corev1.StorageMediumMemory,
								SizeLimit: &shmSize,
							},
						},
					}},
				},
			},
		},
	}
}

// Stop deletes the bot's Job and its pods. Missing Jobs are already stopped.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	policy := metav1.DeletePropagationBackground
	err := a.client.BatchV1().Jobs(a.cfg.Namespace).Delete(ctx, identifier, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete job %s: %w", identifier, err)
	}
	return nil
}

// Status maps Job counters onto the common state enum.
func (a *Adapter) Status(ctx context.Context, identifier string) (platform.State, error) {
	job, err := a.client.BatchV1().Jobs(a.cfg.Namespace).Get(ctx, identifier, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return platform.StateFailed, nil
	}
	if err != nil {
		return "", fmt.Errorf("get job %s: %w", identifier, err)
	}
	return jobState(&job.Status), nil
}

// ListDeployments enumerates the bot Jobs in the namespace.
func (a *Adapter) ListDeployments(ctx context.Context) ([]platform.Deployment, error) {
	list, err := a.client.BatchV1().Jobs(a.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelApp + "=" + labelAppValue,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]platform.Deployment, 0, len(list.Items))
	for i := range list.Items {
		job := &list.Items[i]
		botID, _ := strconv.ParseInt(job.Labels[labelBotID], 10, 64)
		out = append(out, platform.Deployment{
			Identifier: job.Name,
			BotID:      botID,
			State:      jobState(&job.Status),
		})
	}
	return out, nil
}

func jobState(status *batchv1.JobStatus) platform.State {
	switch {
	case status.Active > 0:
		return platform.StateRunning
	case status.Succeeded > 0:
		return platform.StateSucceeded
	case status.Failed > 0:
		return platform.StateFailed
	default:
		return platform.StatePending
	}
}

// Release is a no-op: Jobs own no reusable resources.
func (a *Adapter) Release(context.Context, int64) error { return nil }

// ProcessQueue is a no-op: the cluster adapter has no local queue.
func (a *Adapter) ProcessQueue(context.Context) error { return nil }
