// Package notify delivers rule notifications to users
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/dealflow/rules"
)

// Notification is an in-app message queued for a user of one tenant
type Notification struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	UserID    string         `json:"userId"`
	Message   string         `json:"message"`
	Priority  rules.Priority `json:"priority"`
	CreatedAt time.Time      `json:"createdAt"`
}

func newNotification(tenantID, userID, message string, priority rules.Priority) Notification {
	return Notification{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Message:   message,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// tenantNotifier is the rules.Notifier handed to a single tenant's engine
type tenantNotifier struct {
	tenantID string
	deliver  func(ctx context.Context, n Notification) error
}

func (t tenantNotifier) Notify(ctx context.Context, userID, message string, priority rules.Priority) error {
	return t.deliver(ctx, newNotification(t.tenantID, userID, message, priority))
}

// Recorder keeps notifications in memory. Used when no Redis is configured
// and in tests.
type Recorder struct {
	sent []Notification
	mu   sync.RWMutex
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ForTenant returns a notifier recording into tenantID's inbox
func (r *Recorder) ForTenant(tenantID string) rules.Notifier {
	return tenantNotifier{tenantID: tenantID, deliver: r.record}
}

func (r *Recorder) record(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Pending returns up to limit notifications for userID in tenantID, oldest first.
// A limit of 0 or less returns all of them.
func (r *Recorder) Pending(_ context.Context, tenantID, userID string, limit int) ([]Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Notification{}
	for _, n := range r.sent {
		if n.TenantID != tenantID || n.UserID != userID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every recorded notification
func (r *Recorder) All() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Notification(nil), r.sent...)
}
