// Package notify routes user-visible notifications. Every error caught by a
// resource store or the document generator is reported through Report so the
// HTTP layer and the logs see the same message.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/model"
)

// Notifier receives notifications.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n model.Notification)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n model.Notification) { f(ctx, n) }

// Nop discards every notification.
var Nop Notifier = Func(func(context.Context, model.Notification) {})

// LogNotifier writes notifications to a zap logger. Errors are logged at warn
// level since they are already surfaced to the user.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n model.Notification) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("level", n.Level),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.Domain != "" {
		fields = append(fields, zap.String("domain", n.Domain))
	}
	if n.Operation != "" {
		fields = append(fields, zap.String("operation", n.Operation))
	}
	if n.Level == model.LevelError {
		l.Logger.Warn("notification", fields...)
		return
	}
	l.Logger.Debug("notification", fields...)
}

// Recorder collects notifications in memory. One Recorder is attached to
// each HTTP request so its notifications can be returned in the response.
type Recorder struct {
	mu    sync.Mutex
	items []model.Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil
	}
	out := make([]model.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Errors returns the recorded error notifications.
func (r *Recorder) Errors() []model.Notification {
	var out []model.Notification
	for _, n := range r.Notifications() {
		if n.Level == model.LevelError {
			out = append(out, n)
		}
	}
	return out
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n model.Notification) {
	for _, nn := range m {
		if nn != nil {
			nn.Notify(ctx, n)
		}
	}
}

type recorderKey struct{}

// WithRecorder attaches a Recorder to ctx.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the Recorder attached to ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// ContextNotifier forwards notifications to the Recorder found in the
// context, if any. Stores are shared between requests of a tenant, so they
// hold a ContextNotifier rather than a request's Recorder.
type ContextNotifier struct{}

// Notify implements Notifier.
func (ContextNotifier) Notify(ctx context.Context, n model.Notification) {
	if r := RecorderFrom(ctx); r != nil {
		r.Notify(ctx, n)
	}
}

// Report sends err to n as an error notification. The message is the
// server's error string when err carries an ErrorEnvelope. A nil err or nil
// notifier is ignored.
func Report(ctx context.Context, n Notifier, domain, operation string, err error) {
	if err == nil || n == nil {
		return
	}
	msg := err.Error()
	if ee, ok := model.AsEnvelope(err); ok {
		msg = ee.Message
	}
	n.Notify(ctx, model.Notification{
		Level:     model.LevelError,
		Title:     title(operation) + " failed",
		Message:   msg,
		Domain:    domain,
		Operation: operation,
		Time:      time.Now().UTC(),
	})
}

// Success sends a success notification.
func Success(ctx context.Context, n Notifier, domain, operation, msg string) {
	if n == nil {
		return
	}
	n.Notify(ctx, model.Notification{
		Level:     model.LevelSuccess,
		Title:     title(operation) + " succeeded",
		Message:   msg,
		Domain:    domain,
		Operation: operation,
		Time:      time.Now().UTC(),
	})
}

func title(operation string) string {
	if operation == "" {
		return "Request"
	}
	s := strings.ReplaceAll(operation, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}
