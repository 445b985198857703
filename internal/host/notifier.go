package host

import "go.uber.org/zap"

// Notifier shows user-facing messages. Editor hosts render these as
// popups; the daemon logs them. ShowInformation returns the action the
// user picked, or "" when the message was dismissed or the host cannot
// ask.
type Notifier interface {
	ShowInformation(message string, actions ...string) (string, error)
	ShowWarning(message string)
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

// ShowInformation logs the message. No action is ever chosen.
func (n *LogNotifier) ShowInformation(message string, _ ...string) (string, error) {
	n.logger.Info("Notification", zap.String("message", message))
	return "", nil
}

// ShowWarning logs the message at warning level
func (n *LogNotifier) ShowWarning(message string) {
	n.logger.Warn("Notification", zap.String("message", message))
}
