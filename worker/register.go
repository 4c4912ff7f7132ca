package worker

import (
	"context"

	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/workflow"
)

// registerUnits implements spec.md §4.7 steps 3-5: register_agent and
// register_tool for their respective kinds, then
// register_deployment_workflow (plus any event trigger / schedule) for
// every registered unit regardless of kind, since every unit needs
// dispatch routing on the orchestrator.
func (rt *Runtime) registerUnits(ctx context.Context) error {
	descs := rt.registry.All()

	for _, d := range descs {
		switch d.Kind {
		case workflow.KindAgent:
			if err := rt.client.RegisterAgent(ctx, unitPayload(rt.cfg.DeploymentID, d)); err != nil {
				return err
			}
		case workflow.KindTool:
			if err := rt.client.RegisterTool(ctx, unitPayload(rt.cfg.DeploymentID, d)); err != nil {
				return err
			}
		}
	}

	for _, d := range descs {
		if err := rt.client.RegisterDeploymentWorkflow(ctx, orchestrator.WorkflowRegistration{
			DeploymentID:   rt.cfg.DeploymentID,
			WorkflowID:     d.ID,
			Kind:           string(d.Kind),
			EventTriggered: d.EventTrigger != nil,
			Scheduled:      d.Scheduled,
		}); err != nil {
			return err
		}
		if d.EventTrigger != nil {
			if err := rt.client.RegisterEventTrigger(ctx, map[string]any{
				"deployment_id": rt.cfg.DeploymentID,
				"workflow_id":   d.ID,
				"topic":         d.EventTrigger.Topic,
				"batch_size":    d.EventTrigger.BatchSize,
				"batch_timeout": d.EventTrigger.BatchTimeout,
			}); err != nil {
				return err
			}
		}
		if d.Scheduled {
			if err := rt.client.RegisterSchedule(ctx, map[string]any{
				"deployment_id": rt.cfg.DeploymentID,
				"workflow_id":   d.ID,
				"schedule":      d.ScheduleSpec,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func unitPayload(deploymentID string, d *workflow.Descriptor) map[string]any {
	return map[string]any{
		"deployment_id": deploymentID,
		"id":             d.ID,
		"kind":           string(d.Kind),
	}
}

// registerQueues implements spec.md §4.7 step 6: collect every distinct
// named queue across registered units and register their concurrency
// limits with the orchestrator.
func (rt *Runtime) registerQueues(ctx context.Context) error {
	seen := make(map[string]orchestrator.QueueRegistration)
	for _, d := range rt.registry.All() {
		if d.QueueName == "" {
			continue
		}
		seen[d.QueueName] = orchestrator.QueueRegistration{
			Name:             d.QueueName,
			ConcurrencyLimit: d.QueueConcurrencyLimit,
		}
	}
	if len(seen) == 0 {
		return nil
	}
	queues := make([]orchestrator.QueueRegistration, 0, len(seen))
	for _, q := range seen {
		queues = append(queues, q)
	}
	return rt.client.RegisterQueues(ctx, rt.cfg.DeploymentID, queues)
}
