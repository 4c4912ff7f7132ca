package worker

import (
	"context"
	"errors"

	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/workflow"
)

// report completes one execution with the orchestrator (spec.md §4.7:
// "success: serialize result+final_state, call report_success with
// worker's own ID; failure: retryable=false for StepExecutionError/tool
// failure else true"). ReportSuccess/ReportFailure already retry with
// backoff and drop silently on 409 (spec.md §7), so report itself never
// needs to.
func (rt *Runtime) report(req executeRequest, kind workflow.Kind, outcome workflow.Outcome, err error) {
	ctx := context.Background()

	if err == nil {
		if reportErr := rt.client.ReportSuccess(ctx, req.ExecutionID, orchestrator.ReportSuccessRequest{
			Result:           outcome.Result,
			OutputSchemaName: outcome.ResultName,
			FinalState:       outcome.FinalState,
			WorkerID:         rt.workerID,
		}); reportErr != nil {
			rt.logger.Warn(ctx, "worker: report_success failed", "execution_id", req.ExecutionID, "error", reportErr)
		}
		return
	}

	retryable := !poloserr.StepFailure(err) && kind != workflow.KindTool

	var perr *poloserr.Error
	errType := ""
	if errors.As(err, &perr) {
		errType = string(perr.Kind)
	}

	if reportErr := rt.client.ReportFailure(ctx, req.ExecutionID, orchestrator.ReportFailureRequest{
		Error:      orchestrator.StepError{Message: err.Error(), Type: errType},
		Retryable:  retryable,
		FinalState: outcome.FinalState,
		WorkerID:   rt.workerID,
	}); reportErr != nil {
		rt.logger.Warn(ctx, "worker: report_failure failed", "execution_id", req.ExecutionID, "error", reportErr)
	}
}
