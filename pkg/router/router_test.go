package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/modhive/modhive/pkg/common/types"
	"github.com/modhive/modhive/pkg/queue"
	"github.com/modhive/modhive/pkg/tenant"
)

const dequeueTimeout = 100 * time.Millisecond

func newTestRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return queue.NewRegistry(queue.NewRedisBroker(cli))
}

func twoByTwoDirectory() *tenant.FakeDirectory {
	return &tenant.FakeDirectory{
		Domains: map[string][]tenant.GameServer{
			"d1": {{ID: "g1", DomainID: "d1"}, {ID: "g2", DomainID: "d1"}},
			"d2": {{ID: "g3", DomainID: "d2"}, {ID: "g4", DomainID: "d2"}},
		},
	}
}

func TestDispatchEnqueuesValidPayload(t *testing.T) {
	registry := newTestRegistry(t)
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{})
	ctx := context.Background()

	job, err := r.Dispatch(ctx, types.QueueHooks, &types.HookJobData{
		JobData: types.JobData{DomainID: "d1", GameServerID: "g1", FunctionID: "f1"},
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	dequeued, err := registry.Get(types.QueueHooks).Dequeue(ctx, dequeueTimeout)
	require.NoError(t, err)
	assert.Equal(t, job.ID, dequeued.ID)
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	registry := newTestRegistry(t)
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{})
	ctx := context.Background()

	// gameServerId missing: logged and dropped, no error, no job.
	job, err := r.Dispatch(ctx, types.QueueHooks, &types.HookJobData{
		JobData: types.JobData{DomainID: "d1", FunctionID: "f1"},
	})
	assert.NoError(t, err)
	assert.Nil(t, job)

	counts, err := registry.Get(types.QueueHooks).Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Pending)
}

func TestDispatchRejectsUnknownQueue(t *testing.T) {
	registry := newTestRegistry(t)
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{})

	_, err := r.Dispatch(context.Background(), "teleport", &types.JobData{
		DomainID: "d1", GameServerID: "g1", FunctionID: "f1",
	})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestFanOutEmitsOneChildPerGameServer(t *testing.T) {
	registry := newTestRegistry(t)
	now := time.Unix(1700000000, 0)
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{}).
		withClock(clocktesting.NewFakeClock(now))
	ctx := context.Background()

	jobIDs, err := r.FanOut(ctx, types.QueueItemsSync, types.JobData{DomainID: types.DomainAll, FunctionID: "f1"})
	require.NoError(t, err)
	require.Len(t, jobIDs, 4)

	expected := map[string]bool{
		fmt.Sprintf("itemsSync-d1-g1-%d", now.Unix()): true,
		fmt.Sprintf("itemsSync-d1-g2-%d", now.Unix()): true,
		fmt.Sprintf("itemsSync-d2-g3-%d", now.Unix()): true,
		fmt.Sprintf("itemsSync-d2-g4-%d", now.Unix()): true,
	}
	for _, id := range jobIDs {
		assert.True(t, expected[id], "unexpected child id %s", id)
	}

	counts, err := registry.Get(types.QueueItemsSync).Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Pending)

	// Every child is addressed at its own target.
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		job, err := registry.Get(types.QueueItemsSync).Dequeue(ctx, dequeueTimeout)
		require.NoError(t, err)
		var data types.JobData
		require.NoError(t, json.Unmarshal(job.Payload, &data))
		assert.NotEqual(t, types.DomainAll, data.DomainID)
		seen[data.DomainID+"/"+data.GameServerID] = true
	}
	assert.Len(t, seen, 4)
}

func TestFanOutRunsAtDifferentTimestampsDoNotCollide(t *testing.T) {
	registry := newTestRegistry(t)
	fakeClock := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{}).withClock(fakeClock)
	ctx := context.Background()

	base := types.JobData{DomainID: types.DomainAll, FunctionID: "f1"}
	first, err := r.FanOut(ctx, types.QueueItemsSync, base)
	require.NoError(t, err)

	fakeClock.Step(time.Minute)
	second, err := r.FanOut(ctx, types.QueueItemsSync, base)
	require.NoError(t, err)

	for _, id := range second {
		assert.NotContains(t, first, id)
	}

	counts, err := registry.Get(types.QueueItemsSync).Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts.Pending)
}

func TestFanOutRejectsNonSentinelPayload(t *testing.T) {
	registry := newTestRegistry(t)
	r := New(registry, twoByTwoDirectory(), &tenant.FakeModuleReader{})

	_, err := r.FanOut(context.Background(), types.QueueItemsSync, types.JobData{DomainID: "d1"})
	assert.Error(t, err)
}

func installationWithCron() types.ModuleInstallation {
	return types.ModuleInstallation{
		ID:           "inst-1",
		ModuleID:     "mod-1",
		GameServerID: "g1",
		CronJobs: []types.CronJob{
			{ID: "cron-1", Name: "payday", FunctionID: "f-cron", EverySeconds: 300},
		},
	}
}

func TestReconcileSchedulesRegistersDeclaredCronJobs(t *testing.T) {
	registry := newTestRegistry(t)
	directory := &tenant.FakeDirectory{
		Domains: map[string][]tenant.GameServer{"d1": {{ID: "g1", DomainID: "d1"}}},
	}
	modules := &tenant.FakeModuleReader{
		Installed: map[string][]types.ModuleInstallation{"g1": {installationWithCron()}},
	}
	r := New(registry, directory, modules)
	ctx := context.Background()

	require.NoError(t, r.ReconcileSchedules(ctx))

	schedules, err := registry.Get(types.QueueCronJobs).Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "inst-1-cron-1", schedules[0].ID)
	assert.Equal(t, int64(300), schedules[0].EverySeconds)

	var payload types.CronJobData
	require.NoError(t, json.Unmarshal(schedules[0].Payload, &payload))
	assert.Equal(t, "d1", payload.DomainID)
	assert.Equal(t, "g1", payload.GameServerID)
	assert.Equal(t, "f-cron", payload.FunctionID)

	// Reconciling again does not duplicate.
	require.NoError(t, r.ReconcileSchedules(ctx))
	schedules, err = registry.Get(types.QueueCronJobs).Schedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestReconcileSchedulesRemovesOrphans(t *testing.T) {
	registry := newTestRegistry(t)
	directory := &tenant.FakeDirectory{
		Domains: map[string][]tenant.GameServer{"d1": {{ID: "g1", DomainID: "d1"}}},
	}
	modules := &tenant.FakeModuleReader{
		Installed: map[string][]types.ModuleInstallation{"g1": {installationWithCron()}},
	}
	r := New(registry, directory, modules)
	ctx := context.Background()

	require.NoError(t, r.ReconcileSchedules(ctx))

	// Uninstall the module; its schedule must disappear on the next sync.
	modules.Installed["g1"] = nil
	require.NoError(t, r.ReconcileSchedules(ctx))

	schedules, err := registry.Get(types.QueueCronJobs).Schedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestHandleGameEventMatchesHooks(t *testing.T) {
	registry := newTestRegistry(t)
	modules := &tenant.FakeModuleReader{
		Installed: map[string][]types.ModuleInstallation{
			"g1": {{
				ID:           "inst-1",
				GameServerID: "g1",
				Hooks: []types.Hook{
					{ID: "hook-1", EventType: "player-connected", FunctionID: "f-hook"},
					{ID: "hook-2", EventType: "chat-message", FunctionID: "f-chat"},
				},
			}},
		},
	}
	r := New(registry, twoByTwoDirectory(), modules)
	ctx := context.Background()

	err := r.HandleGameEvent(ctx, "d1", "g1", "player-connected", json.RawMessage(`{"player":"p1"}`))
	require.NoError(t, err)

	job, err := registry.Get(types.QueueHooks).Dequeue(ctx, dequeueTimeout)
	require.NoError(t, err)

	var payload types.HookJobData
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "f-hook", payload.FunctionID)
	assert.Equal(t, "hook-1", payload.ItemID)
	assert.JSONEq(t, `{"player":"p1"}`, string(payload.EventData))

	// The chat hook did not fire.
	_, err = registry.Get(types.QueueHooks).Dequeue(ctx, dequeueTimeout)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestHandleCommandMatchesTrigger(t *testing.T) {
	registry := newTestRegistry(t)
	modules := &tenant.FakeModuleReader{
		Installed: map[string][]types.ModuleInstallation{
			"g1": {{
				ID:           "inst-1",
				GameServerID: "g1",
				Commands: []types.Command{
					{ID: "cmd-1", Trigger: "ping", FunctionID: "f-ping"},
				},
			}},
		},
	}
	r := New(registry, twoByTwoDirectory(), modules)
	ctx := context.Background()

	player := &types.Player{GameID: "p1", Name: "alice"}
	err := r.HandleCommand(ctx, "d1", "g1", "ping", player, json.RawMessage(`["now"]`))
	require.NoError(t, err)

	job, err := registry.Get(types.QueueCommands).Dequeue(ctx, dequeueTimeout)
	require.NoError(t, err)

	var payload types.CommandJobData
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "f-ping", payload.FunctionID)
	assert.Equal(t, "p1", payload.Player.GameID)

	// Unknown trigger is a no-op.
	require.NoError(t, r.HandleCommand(ctx, "d1", "g1", "unknown", player, nil))
	_, err = registry.Get(types.QueueCommands).Dequeue(ctx, dequeueTimeout)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}
