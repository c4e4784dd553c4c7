// Package notify announces terminal run outcomes to operators over
// desktop notifications and Slack.
package notify

import (
	"errors"

	"github.com/ammonwk/truffles/internal/domain"
)

// NotificationType classifies how urgently a notification should render
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification describes one finished remediation run
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string
	IssueID string
	Status  domain.RunStatus
	PRURL   string // set when the run produced a pull request
}

// ForRunOutcome builds the notification for a run's terminal state.
// reason carries the failure message and is ignored for other outcomes.
func ForRunOutcome(runID, issueID string, status domain.RunStatus, reason, prURL string) Notification {
	n := Notification{
		RunID:   runID,
		IssueID: issueID,
		Status:  status,
		PRURL:   prURL,
	}
	switch status {
	case domain.RunDone:
		n.Title = "Remediation run finished"
		n.Message = "Fix ready for review"
		n.Type = NotifySuccess
	case domain.RunFalseAlarm:
		n.Title = "Remediation run dismissed"
		n.Message = "Agent reported a false alarm"
		n.Type = NotifyInfo
	default:
		n.Title = "Remediation run failed"
		n.Message = reason
		n.Type = NotifyError
	}
	return n
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans a notification out to several channels. Every
// notifier is attempted; failures are joined rather than short-circuited.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
