package turns

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent/protocol"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// StreamPublisher is the slice of the session service the limiter needs to
// surface warnings to watchers.
type StreamPublisher interface {
	Publish(ctx context.Context, sessionID, eventType string, data map[string]any) (int64, error)
}

// NewStreamLimiter creates a limiter whose warning and limit callbacks
// publish agent:warning and agent:turn_limit onto the run's session stream.
// Publish failures are logged; they never stop the run accounting.
func NewStreamLimiter(publisher StreamPublisher, taskID, sessionID, projectID string, maxTurns int, warningThreshold float64, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(
		zap.String("component", "turn-limiter"),
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID))

	l := NewLimiter(maxTurns, warningThreshold)
	l.OnWarning(func(ctx context.Context, currentTurn, max int) {
		data := map[string]any{
			"currentTurn": currentTurn,
			"maxTurns":    max,
			"taskId":      taskID,
			"sessionId":   sessionID,
			"projectId":   projectID,
		}
		if _, err := publisher.Publish(ctx, sessionID, protocol.EventWarning, data); err != nil {
			log.Warn("failed to publish turn warning", zap.Error(err))
		}
		log.Info("turn budget warning", zap.Int("current_turn", currentTurn), zap.Int("max_turns", max))
	})
	l.OnLimitReached(func(ctx context.Context, currentTurn int) {
		data := map[string]any{
			"currentTurn": currentTurn,
			"maxTurns":    maxTurns,
			"taskId":      taskID,
			"sessionId":   sessionID,
			"projectId":   projectID,
		}
		if _, err := publisher.Publish(ctx, sessionID, protocol.EventTurnLimit, data); err != nil {
			log.Warn("failed to publish turn limit", zap.Error(err))
		}
		log.Warn("turn budget exhausted", zap.Int("current_turn", currentTurn))
	})
	return l
}
