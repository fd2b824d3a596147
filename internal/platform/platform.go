// Package platform defines the contract every deployment backend adapter
// implements, plus the shared placement result and state types. Adapters for
// the pool backend, Kubernetes Jobs, ECS tasks, and local Docker live in
// subpackages; the hybrid router only ever sees this interface.
package platform

import (
	"context"
	"errors"

	"github.com/meeboter/meeboter/internal/domain"
)

// Known deployment platform tags, persisted on the bot row.
const (
	NameCoolify = "coolify"
	NameK8s     = "k8s"
	NameAWS     = "aws"
	NameLocal   = "local"
)

// ErrRefused signals that an adapter cannot accept a bot right now (pool
// exhausted, cluster over limit). The router recovers by trying the next
// platform; it is data, not a failure.
var ErrRefused = errors.New("placement refused")

// State is the common lifecycle view of an external container, produced by
// each adapter's status mapper. Domain code never branches on raw backend
// strings.
type State string

const (
	StatePending      State = "PENDING"
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateSucceeded    State = "SUCCEEDED"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

// DeployResult is the outcome of a successful (or queued) Deploy call.
type DeployResult struct {
	// Identifier is the opaque per-adapter handle for the container
	// (application uuid, job name, task ARN, container id). Empty when
	// the bot was queued instead of placed.
	Identifier string

	// SlotName is set by the pool adapter only.
	SlotName string

	// Queued is true when the adapter accepted the bot into its local
	// wait queue rather than placing it immediately.
	Queued          bool
	QueuePosition   int
	EstimatedWaitMS int64
}

// Adapter is the capability surface shared by all deployment backends.
//
// Deploy must not block on image pulls or container start; on success the
// external resource exists and will imminently run. Stop is idempotent:
// "not found" is success.
type Adapter interface {
	// Name returns the platform tag persisted on bot rows.
	Name() string

	// Deploy places the bot on this backend or returns an error wrapping
	// ErrRefused when the backend is at capacity.
	Deploy(ctx context.Context, bot *domain.Bot) (*DeployResult, error)

	// Stop terminates the container identified by id. Missing containers
	// are treated as already stopped.
	Stop(ctx context.Context, identifier string) error

	// Status inspects the container and maps its backend state to the
	// common State enum.
	Status(ctx context.Context, identifier string) (State, error)

	// Release returns the bot's resources to the backend. Pool adapters
	// return the slot to the idle set; batch adapters are a no-op.
	Release(ctx context.Context, botID int64) error

	// ProcessQueue advances the adapter-local wait queue, if any.
	ProcessQueue(ctx context.Context) error
}

// Deployment is one live container as an adapter sees it, for the operator
// listing surface.
type Deployment struct {
	Identifier string `json:"identifier"`
	BotID      int64  `json:"bot_id,omitempty"`
	State      State  `json:"state"`
}

// Lister is implemented by adapters that can enumerate their deployments.
// The pool adapter does not: its slots are rows, listed from the store.
type Lister interface {
	ListDeployments(ctx context.Context) ([]Deployment, error)
}
