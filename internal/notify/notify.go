// Package notify is the seam to the host platform's local-notification
// presenter. Presentation failures must never block the data path, so the
// contract is fire-and-forget.
package notify

import "go.uber.org/zap"

// Notification is one locally synthesized alert.
type Notification struct {
	ScenarioID     string
	ConversationID string
	Title          string
	Body           string
}

// Notifier presents local notifications.
type Notifier interface {
	Notify(notification Notification)
}

// NewLogNotifier returns a Notifier that records notifications to the log.
// Stands in wherever the host app has not wired a platform presenter.
func NewLogNotifier(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logNotifier{logger: logger}
}

type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) Notify(notification Notification) {
	n.logger.Info("local notification",
		zap.String("scenario_id", notification.ScenarioID),
		zap.String("conversation_id", notification.ConversationID),
		zap.String("title", notification.Title))
}
