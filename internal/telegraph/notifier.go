package telegraph

import (
	"context"
	"log"
)

// Notifier receives operator alerts: new chats, startup and shutdown.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// AdminNotifier sends alerts to the administrator's own chat.
type AdminNotifier struct {
	deliverer *Deliverer
	adminID   int64
}

var _ Notifier = (*AdminNotifier)(nil)

// NewAdminNotifier creates an AdminNotifier. It returns nil when adminID is
// zero; callers treat a nil notifier as disabled.
func NewAdminNotifier(d *Deliverer, adminID int64) *AdminNotifier {
	if d == nil || adminID == 0 {
		return nil
	}
	return &AdminNotifier{deliverer: d, adminID: adminID}
}

// Notify delivers text to the admin chat. Delivery problems are handled
// by the deliverer, so the error is always nil.
func (n *AdminNotifier) Notify(ctx context.Context, text string) error {
	if n == nil {
		return nil
	}
	n.deliverer.DeliverTo(ctx, n.adminID, text, KindAlert, DeliverOpts{})
	return nil
}

// notify sends an alert and logs any failure. A nil notifier is a no-op.
func notify(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		log.Printf("telegraph: warning: alert: %v", err)
	}
}
