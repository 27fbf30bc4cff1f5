// Package alert posts operator notices to team chat channels.
package alert

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/zulandar/constbot/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the first wait when the API gives no retry hint.
	baseBackoff = time.Second
)

// Multi fans a notice out to every notifier it holds.
type Multi []telegraph.Notifier

var _ telegraph.Notifier = Multi(nil)

// NewMulti builds a Multi, dropping nil entries.
func NewMulti(ns ...telegraph.Notifier) Multi {
	var m Multi
	for _, n := range ns {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

// Notify sends text to every notifier. One failure does not stop the rest;
// all failures are joined into the returned error.
func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retryOnRateLimit calls fn and retries with backoff while limited reports
// a rate limit. limited returns the server's wait hint, or 0 for none.
func retryOnRateLimit(ctx context.Context, name string, backoff time.Duration, fn func() error, limited func(error) (time.Duration, bool)) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		hint, ok := limited(err)
		if !ok || attempt == maxRetries {
			return err
		}

		wait := hint
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * backoff
		}
		log.Printf("%s: rate limited (attempt %d/%d), retrying in %v", name, attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
