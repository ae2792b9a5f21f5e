// Command queuejob processes JSON tasks from the configured queue backend.
//
// Each task names a kind; "log" tasks are written to the service log and
// everything else is rejected so it is retried and eventually dead-lettered.
// Tasks sharing a key are serialized by the configured lock provider.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimburion/queuejob/pkg/cli"
	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/jobs"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/queue"
)

// Task is the payload carried by queue entries.
type Task struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type taskProcessor struct {
	log logger.Logger
}

func (p *taskProcessor) Process(ctx context.Context, ec *jobs.EntryContext[Task]) (jobs.Result, error) {
	task := ec.Entry.Value()
	log := p.log.WithContext(ctx).With("entry_id", ec.Entry.ID(), "attempt", ec.Entry.Attempts(), "kind", task.Kind)

	switch strings.ToLower(strings.TrimSpace(task.Kind)) {
	case "log":
		log.Info("task processed", "payload", string(task.Payload))
		return jobs.Success(), nil
	case "":
		return jobs.FailureWithMessage("task kind is required"), nil
	default:
		return jobs.FailureWithMessage(fmt.Sprintf("unsupported task kind %q", task.Kind)), nil
	}
}

func taskLockKey(entry *queue.Entry[Task]) string {
	if key := strings.TrimSpace(entry.Value().Key); key != "" {
		return key
	}
	return entry.ID()
}

func main() {
	cmd := cli.NewServiceCommand(cli.ServiceCommandOptions[Task]{
		Name:        "queuejob",
		Description: "Queue-backed task worker",
		EnvPrefix:   "APP",
		NewProcessor: func(cfg *config.Config, log logger.Logger) (jobs.Processor[Task], error) {
			return &taskProcessor{log: log}, nil
		},
		LockKey:          taskLockKey,
		BacklogThreshold: 1000,
	})
	cli.Execute(cmd)
}
