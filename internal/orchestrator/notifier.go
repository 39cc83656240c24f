// ABOUTME: Fire-and-forget presentation feedback for sends, replies and failures
// ABOUTME: Notifications run off the turn goroutine so a slow notifier never stalls a turn

package orchestrator

// NotifyKind names a presentation event.
type NotifyKind string

const (
	NotifySend    NotifyKind = "send"
	NotifyReceive NotifyKind = "receive"
	NotifyError   NotifyKind = "error"
)

// Notification is delivered to a Notifier.
type Notification struct {
	Kind           NotifyKind
	ConversationID string
	AgentID        string
	MessageID      string
}

// Notifier receives presentation feedback such as sound cues.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

func (o *Orchestrator) notify(n Notification) {
	if o.notifier == nil {
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("notifier panicked", "kind", n.Kind, "panic", r)
			}
		}()
		o.notifier.Notify(n)
	}()
}
