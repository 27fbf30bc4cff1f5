package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/constbot/internal/session"
)

// DefaultVerifyTimeout bounds each typing action sent during a sweep.
const DefaultVerifyTimeout = 30 * time.Second

// VerifyReport counts the outcomes of one sweep.
type VerifyReport struct {
	Checked   int `json:"checked"`
	Reachable int `json:"reachable"`
	Migrated  int `json:"migrated"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
}

func (r VerifyReport) String() string {
	return fmt.Sprintf("%d checked, %d reachable, %d migrated, %d deleted, %d failed",
		r.Checked, r.Reachable, r.Migrated, r.Deleted, r.Failed)
}

// Verifier probes every known chat with a typing action and prunes the
// ones that can no longer be reached.
type Verifier struct {
	deliverer *Deliverer
	locks     *session.Locker
	timeout   time.Duration

	// running guards against overlapping sweeps.
	running sync.Mutex
}

// VerifierOpts holds parameters for creating a Verifier.
type VerifierOpts struct {
	Deliverer *Deliverer
	Locks     *session.Locker // defaults to the deliverer's locks
	Timeout   time.Duration   // defaults to DefaultVerifyTimeout
}

// ErrSweepRunning is returned by Sweep when another sweep is in progress.
var ErrSweepRunning = errors.New("telegraph: verify: sweep already running")

// NewVerifier creates a Verifier.
func NewVerifier(opts VerifierOpts) (*Verifier, error) {
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("telegraph: verifier: deliverer is required")
	}
	locks := opts.Locks
	if locks == nil {
		locks = opts.Deliverer.locks
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Verifier{deliverer: opts.Deliverer, locks: locks, timeout: timeout}, nil
}

// Sweep checks every stored session once.
func (v *Verifier) Sweep(ctx context.Context) (VerifyReport, error) {
	if !v.running.TryLock() {
		return VerifyReport{}, ErrSweepRunning
	}
	defer v.running.Unlock()

	var report VerifyReport
	sessions, err := v.deliverer.sessions.List(ctx)
	if err != nil {
		return report, fmt.Errorf("telegraph: verify: list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		v.check(ctx, s.ChatID, &report)
	}
	log.Printf("telegraph: verify: %s", report)
	return report, nil
}

// check probes one chat under its lock, reloading the session so changes
// made since List are respected.
func (v *Verifier) check(ctx context.Context, chatID int64, report *VerifyReport) {
	unlock := v.locks.Lock(chatID)
	defer unlock()

	d := v.deliverer
	sess, err := d.sessions.Get(ctx, chatID)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("telegraph: warning: verify: load session %d: %v", chatID, err)
		report.Failed++
		return
	}

	tctx, cancel := context.WithTimeout(ctx, v.timeout)
	err = d.adapter.SendTyping(tctx, chatID)
	cancel()

	verdict, rej := classify(err)
	switch verdict {
	case verdictSent:
		log.Printf("telegraph: uid %d (%s) is still reachable", chatID, sess.Description())
		report.Reachable++
	case verdictMigrated:
		d.migrate(ctx, sess, true, rej.MigrateToChatID)
		report.Migrated++
	case verdictGone:
		log.Printf("telegraph: uid %d (%s) is unreachable: %s", chatID, sess.Description(), rej.Description)
		d.drop(ctx, sess)
		report.Deleted++
	default:
		log.Printf("telegraph: warning: unable to reach uid %d (%s): %v", chatID, sess.Description(), err)
		report.Failed++
	}
}
