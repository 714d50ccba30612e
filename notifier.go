package auth

import "context"

// NotificationLevel is the severity of a user facing notice.
type NotificationLevel string

const (
	NotifySuccess NotificationLevel = "success"
	NotifyInfo    NotificationLevel = "info"
	NotifyError   NotificationLevel = "error"
)

// Notification is a dismissible, non fatal message for the user.
type Notification struct {
	Level   NotificationLevel
	Title   string
	Message string
	Kind    ErrorKind
}

// Notifier is the toast sink. It is a side effect only; no flow depends
// on its outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	if f != nil {
		f(ctx, n)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) {}

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// notifyError turns err into an error notice tagged with its kind.
func notifyError(ctx context.Context, n Notifier, title string, err error) {
	if err == nil {
		return
	}
	normalizeNotifier(n).Notify(ctx, Notification{
		Level:   NotifyError,
		Title:   title,
		Message: err.Error(),
		Kind:    KindOf(err),
	})
}
