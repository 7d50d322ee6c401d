package types

import (
	"encoding/json"
	"fmt"
)

// Queue names used across the platform. Every trigger source enqueues onto
// one of these; worker concurrency is configured per queue.
const (
	QueueCommands  = "commands"
	QueueCronJobs  = "cronjobs"
	QueueHooks     = "hooks"
	QueueEvents    = "events"
	QueueItemsSync = "itemsSync"
	QueueInventory = "inventory"
)

// DomainAll is the sentinel domain ID that fans a job out to every domain
// and every game server of each domain.
const DomainAll = "all"

// JobData is the base payload addressed at one function of one module
// installation on one game server.
type JobData struct {
	DomainID     string              `json:"domainId"`
	FunctionID   string              `json:"functionId"`
	ItemID       string              `json:"itemId"`
	GameServerID string              `json:"gameServerId"`
	Module       *ModuleInstallation `json:"module,omitempty"`
}

// HookJobData carries the triggering game event alongside the base payload.
type HookJobData struct {
	JobData
	EventData json.RawMessage `json:"eventData"`
}

// CommandJobData carries the triggering player and the parsed chat arguments.
type CommandJobData struct {
	JobData
	Player    *Player         `json:"player"`
	Arguments json.RawMessage `json:"arguments"`
}

// CronJobData is the payload for a single cron tick. It is shape-identical to
// the base payload; the itemId identifies the cron job entry.
type CronJobData struct {
	JobData
}

// Player identifies the in-game player that triggered a command.
type Player struct {
	GameID string `json:"gameId"`
	Name   string `json:"name,omitempty"`
}

// ModuleInstallation binds a configured automation module to a game server.
// The core only reads it; installation records are owned by the API layer.
type ModuleInstallation struct {
	ID           string          `json:"id"`
	ModuleID     string          `json:"moduleId"`
	GameServerID string          `json:"gameServerId"`
	SystemConfig json.RawMessage `json:"systemConfig,omitempty"`
	UserConfig   json.RawMessage `json:"userConfig,omitempty"`
	Hooks        []Hook          `json:"hooks,omitempty"`
	Commands     []Command       `json:"commands,omitempty"`
	CronJobs     []CronJob       `json:"cronJobs,omitempty"`
}

// Hook declares a function that fires on a matching game event.
type Hook struct {
	ID         string `json:"id"`
	EventType  string `json:"eventType"`
	FunctionID string `json:"functionId"`
	Function   string `json:"function,omitempty"`
}

// Command declares a chat-triggered function.
type Command struct {
	ID         string `json:"id"`
	Trigger    string `json:"trigger"`
	FunctionID string `json:"functionId"`
	Function   string `json:"function,omitempty"`
}

// CronJob declares a repeating function with a fixed cadence. Cron
// expressions from the UI are normalized to an interval by the API layer
// before they reach the core.
type CronJob struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FunctionID   string `json:"functionId"`
	Function     string `json:"function,omitempty"`
	EverySeconds int64  `json:"everySeconds"`
}

// Validate reports whether the payload carries the identifiers every
// execution needs. Payloads failing this are dropped, not retried.
func (d *JobData) Validate() error {
	if d.DomainID == "" {
		return fmt.Errorf("domainId is required")
	}
	if d.GameServerID == "" {
		return fmt.Errorf("gameServerId is required")
	}
	if d.FunctionID == "" {
		return fmt.Errorf("functionId is required")
	}
	return nil
}

// Validate additionally requires the triggering player for command payloads.
func (d *CommandJobData) Validate() error {
	if err := d.JobData.Validate(); err != nil {
		return err
	}
	if d.Player == nil || d.Player.GameID == "" {
		return fmt.Errorf("player is required")
	}
	return nil
}
