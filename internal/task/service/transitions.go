package service

import "github.com/taskforge/taskforge/internal/task/models"

// moveTrigger names the cause behind a column transition. The pair
// (from, to) determines the trigger; the trigger determines the side effect.
type moveTrigger string

const (
	// triggerStart launches a plan-phase agent run.
	triggerStart moveTrigger = "start"
	// triggerApprove approves the pending plan and launches execution.
	triggerApprove moveTrigger = "approve"
	// triggerReject discards the pending plan.
	triggerReject moveTrigger = "reject"
	// triggerVerify marks the reviewed result as done.
	triggerVerify moveTrigger = "verify"
	// triggerCancel stops the running agent.
	triggerCancel moveTrigger = "cancel"
	// triggerHandoff is the system-driven move into waiting_approval
	// (plan_ready or execute completion). Not reachable through MoveColumn.
	triggerHandoff moveTrigger = "handoff"
)

// columnTransitions is the legal transition table. Moves absent from the
// table are invalid.
var columnTransitions = map[models.Column]map[models.Column]moveTrigger{
	models.ColumnBacklog: {
		models.ColumnInProgress: triggerStart,
	},
	models.ColumnInProgress: {
		models.ColumnWaitingApproval: triggerHandoff,
		models.ColumnBacklog:         triggerCancel,
	},
	models.ColumnWaitingApproval: {
		models.ColumnInProgress: triggerApprove,
		models.ColumnBacklog:    triggerReject,
		models.ColumnVerified:   triggerVerify,
	},
}

// transitionTrigger returns the trigger for a from→to move, or false when
// the move is illegal.
func transitionTrigger(from, to models.Column) (moveTrigger, bool) {
	targets, ok := columnTransitions[from]
	if !ok {
		return "", false
	}
	trigger, ok := targets[to]
	return trigger, ok
}

// canTransition reports whether from→to is a legal move.
func canTransition(from, to models.Column) bool {
	_, ok := transitionTrigger(from, to)
	return ok
}
