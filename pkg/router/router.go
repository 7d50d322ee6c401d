// Package router translates triggering events into queue jobs. It owns
// direct dispatch, all-tenants fan-out and the reconciliation of repeating
// cron schedules against installed modules.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/modhive/modhive/pkg/common/types"
	"github.com/modhive/modhive/pkg/queue"
	"github.com/modhive/modhive/pkg/tenant"
)

// ErrUnknownTask marks a dispatch against a queue the router does not know.
// Programmer error: surfaced, never retried.
var ErrUnknownTask = errors.New("router: unknown task")

var knownQueues = map[string]bool{
	types.QueueCommands:  true,
	types.QueueCronJobs:  true,
	types.QueueHooks:     true,
	types.QueueEvents:    true,
	types.QueueItemsSync: true,
	types.QueueInventory: true,
}

// validator is implemented by payloads that can check their own shape.
type validator interface {
	Validate() error
}

// Router enqueues jobs for the worker fleet. It holds read-only access to
// the tenant directory and module installations; all writes go through the
// queue registry.
type Router struct {
	registry  *queue.Registry
	directory tenant.Directory
	modules   tenant.ModuleReader
	clock     clock.Clock
}

// New creates a router.
func New(registry *queue.Registry, directory tenant.Directory, modules tenant.ModuleReader) *Router {
	return &Router{
		registry:  registry,
		directory: directory,
		modules:   modules,
		clock:     clock.RealClock{},
	}
}

// Dispatch enqueues one job for the payload on the named queue. Payloads
// that fail their own validation are logged and dropped: the returned job is
// nil and no error is raised, so upstream event sources are never poisoned
// by non-actionable input. An unknown queue name is a programmer error.
func (r *Router) Dispatch(ctx context.Context, queueName string, payload any) (*queue.Job, error) {
	if !knownQueues[queueName] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, queueName)
	}

	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			klog.Warningf("router: dropping malformed %s payload: %v", queueName, err)
			return nil, nil
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("Dispatch: marshal payload: %w", err)
	}

	job, added, err := r.registry.Get(queueName).Add(ctx, b, queue.AddOptions{})
	if err != nil {
		return nil, fmt.Errorf("Dispatch: %w", err)
	}
	if !added {
		klog.V(2).Infof("router: %s job %s deduplicated", queueName, job.ID)
	}
	return job, nil
}

// FanOut expands a sentinel all-domains payload into one child job per
// (domain, game server) pair. Child IDs carry the task, the target and the
// fan-out timestamp, so two fan-out runs never collide while payload
// identical children within one run still deduplicate.
func (r *Router) FanOut(ctx context.Context, queueName string, base types.JobData) ([]string, error) {
	if !knownQueues[queueName] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, queueName)
	}
	if base.DomainID != types.DomainAll {
		return nil, fmt.Errorf("FanOut: payload domain is %q, want %q", base.DomainID, types.DomainAll)
	}

	domains, err := r.directory.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("FanOut: list domains: %w", err)
	}

	ts := r.clock.Now().Unix()
	q := r.registry.Get(queueName)

	var jobIDs []string
	for _, domain := range domains {
		servers, err := r.directory.ListGameServers(ctx, domain.ID)
		if err != nil {
			return nil, fmt.Errorf("FanOut: list game servers for %s: %w", domain.ID, err)
		}

		for _, server := range servers {
			child := base
			child.DomainID = domain.ID
			child.GameServerID = server.ID

			b, err := json.Marshal(child)
			if err != nil {
				return nil, fmt.Errorf("FanOut: marshal child payload: %w", err)
			}

			jobID := fmt.Sprintf("%s-%s-%s-%d", queueName, domain.ID, server.ID, ts)
			if _, _, err := q.Add(ctx, b, queue.AddOptions{JobID: jobID}); err != nil {
				return nil, fmt.Errorf("FanOut: enqueue %s: %w", jobID, err)
			}
			jobIDs = append(jobIDs, jobID)
		}
	}

	klog.Infof("router: fanned %s out to %d targets", queueName, len(jobIDs))
	return jobIDs, nil
}

// HandleGameEvent enqueues one hook job per installed hook matching the
// event type. Unmatched events are a no-op.
func (r *Router) HandleGameEvent(ctx context.Context, domainID, gameServerID, eventType string, eventData json.RawMessage) error {
	installations, err := r.modules.GetInstalledModules(ctx, gameServerID)
	if err != nil {
		return fmt.Errorf("HandleGameEvent: installed modules for %s: %w", gameServerID, err)
	}

	for i := range installations {
		installation := installations[i]
		for _, hook := range installation.Hooks {
			if hook.EventType != eventType {
				continue
			}

			payload := types.HookJobData{
				JobData: types.JobData{
					DomainID:     domainID,
					FunctionID:   hook.FunctionID,
					ItemID:       hook.ID,
					GameServerID: gameServerID,
					Module:       &installation,
				},
				EventData: eventData,
			}
			if _, err := r.Dispatch(ctx, types.QueueHooks, &payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleCommand enqueues one command job for the installed command whose
// trigger matches. Unknown triggers are a no-op.
func (r *Router) HandleCommand(ctx context.Context, domainID, gameServerID, trigger string, player *types.Player, arguments json.RawMessage) error {
	installations, err := r.modules.GetInstalledModules(ctx, gameServerID)
	if err != nil {
		return fmt.Errorf("HandleCommand: installed modules for %s: %w", gameServerID, err)
	}

	for i := range installations {
		installation := installations[i]
		for _, command := range installation.Commands {
			if command.Trigger != trigger {
				continue
			}

			payload := types.CommandJobData{
				JobData: types.JobData{
					DomainID:     domainID,
					FunctionID:   command.FunctionID,
					ItemID:       command.ID,
					GameServerID: gameServerID,
					Module:       &installation,
				},
				Player:    player,
				Arguments: arguments,
			}
			if _, err := r.Dispatch(ctx, types.QueueCommands, &payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReconcileSchedules syncs the registered repeating schedules against the
// cron jobs declared by installed modules: missing entries are added,
// orphaned entries removed. Safe to run repeatedly.
func (r *Router) ReconcileSchedules(ctx context.Context) error {
	desired := make(map[string]queue.Schedule)

	domains, err := r.directory.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("ReconcileSchedules: list domains: %w", err)
	}
	for _, domain := range domains {
		servers, err := r.directory.ListGameServers(ctx, domain.ID)
		if err != nil {
			return fmt.Errorf("ReconcileSchedules: list game servers for %s: %w", domain.ID, err)
		}
		for _, server := range servers {
			installations, err := r.modules.GetInstalledModules(ctx, server.ID)
			if err != nil {
				return fmt.Errorf("ReconcileSchedules: installed modules for %s: %w", server.ID, err)
			}

			for i := range installations {
				installation := installations[i]
				for _, cron := range installation.CronJobs {
					schedule, err := cronSchedule(domain.ID, server.ID, &installation, cron)
					if err != nil {
						return fmt.Errorf("ReconcileSchedules: %w", err)
					}
					desired[schedule.ID] = schedule
				}
			}
		}
	}

	cronQueue := r.registry.Get(types.QueueCronJobs)
	registered, err := cronQueue.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("ReconcileSchedules: list registered: %w", err)
	}

	var added, removed int
	for id, schedule := range desired {
		if err := cronQueue.UpsertSchedule(ctx, schedule); err != nil {
			return fmt.Errorf("ReconcileSchedules: upsert %s: %w", id, err)
		}
		added++
	}
	for _, schedule := range registered {
		if _, want := desired[schedule.ID]; want {
			continue
		}
		if err := cronQueue.RemoveSchedule(ctx, schedule.ID); err != nil {
			return fmt.Errorf("ReconcileSchedules: remove %s: %w", schedule.ID, err)
		}
		removed++
	}

	klog.Infof("router: reconciled cron schedules, %d desired, %d removed", added, removed)
	return nil
}

// cronSchedule builds the repeating schedule entry for one declared cron
// job. The key binds the installation and the cron entry, so uninstalling a
// module orphans its schedules for the next reconcile to remove.
func cronSchedule(domainID, gameServerID string, installation *types.ModuleInstallation, cron types.CronJob) (queue.Schedule, error) {
	payload := types.CronJobData{
		JobData: types.JobData{
			DomainID:     domainID,
			FunctionID:   cron.FunctionID,
			ItemID:       cron.ID,
			GameServerID: gameServerID,
			Module:       installation,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return queue.Schedule{}, fmt.Errorf("marshal cron payload for %s: %w", cron.ID, err)
	}

	return queue.Schedule{
		ID:           fmt.Sprintf("%s-%s", installation.ID, cron.ID),
		EverySeconds: cron.EverySeconds,
		Payload:      b,
	}, nil
}

// withClock is used by tests to pin fan-out timestamps.
func (r *Router) withClock(c clock.Clock) *Router {
	r.clock = c
	return r
}
