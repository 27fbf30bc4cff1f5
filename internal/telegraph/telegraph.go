package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// shutdownGrace bounds how long the daemon waits for in-flight events.
const shutdownGrace = 15 * time.Second

// Daemon is the main bot process. It connects to the chat platform via an
// Adapter, pumps inbound events to the Router, and runs the retry worker
// and the reachability sweep alongside.
type Daemon struct {
	adapter    Adapter
	router     *Router
	retry      *RetryWorker
	verifier   *Verifier
	notifier   Notifier
	verifyPlan cron.Schedule // nil disables scheduled sweeps
	out        io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter    Adapter
	Router     *Router
	Retry      *RetryWorker // optional; queued retries stay queued without one
	Verifier   *Verifier    // optional
	Notifier   Notifier     // optional; receives online/shutdown notices
	VerifyCron string       // 5-field cron expression; empty disables scheduled sweeps
	Out        io.Writer    // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("telegraph: router is required")
	}
	var plan cron.Schedule
	if opts.VerifyCron != "" {
		var err error
		if plan, err = parseSchedule(opts.VerifyCron); err != nil {
			return nil, fmt.Errorf("telegraph: verify cron %q: %w", opts.VerifyCron, err)
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Retry == nil {
		fmt.Fprintf(out, "telegraph: no retry worker configured; failed sends stay queued\n")
	}
	return &Daemon{
		adapter:    opts.Adapter,
		router:     opts.Router,
		retry:      opts.Retry,
		verifier:   opts.Verifier,
		notifier:   opts.Notifier,
		verifyPlan: plan,
		out:        out,
	}, nil
}

// Run connects the adapter, starts the background workers, and handles
// events until ctx is cancelled or the adapter closes its channel. Each
// event runs in its own goroutine; the Router serialises per chat.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var background sync.WaitGroup
	if d.retry != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := d.retry.Run(workCtx); err != nil {
				log.Printf("telegraph: retry worker: %v", err)
			}
		}()
	}
	if d.verifier != nil && d.verifyPlan != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			d.runVerifyScheduler(workCtx)
		}()
	}

	fmt.Fprintf(d.out, "Telegraph online\n")
	notify(ctx, d.notifier, "Constitution bot online")

	// Handlers outlive ctx so the shutdown grace lets in-flight replies
	// go out.
	handlerCtx := context.WithoutCancel(ctx)
	var handlers sync.WaitGroup
	defer func() {
		d.drain(&handlers)
		stopWorkers()
		background.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			notify(handlerCtx, d.notifier, "Constitution bot shutting down")
			d.drain(&handlers)
			if err := d.adapter.Close(); err != nil {
				log.Printf("telegraph: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Telegraph stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph inbound channel closed\n")
				return nil
			}
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				d.router.Handle(handlerCtx, ev)
			}()
		}
	}
}

// drain waits for in-flight handlers, up to shutdownGrace.
func (d *Daemon) drain(handlers *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("telegraph: gave up waiting for in-flight events")
	}
}

// runVerifyScheduler runs a reachability sweep at every fire time of the
// verify schedule until ctx is done.
func (d *Daemon) runVerifyScheduler(ctx context.Context) {
	timer := time.NewTimer(untilNext(d.verifyPlan, time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := d.verifier.Sweep(ctx); err != nil {
				log.Printf("telegraph: scheduled verify: %v", err)
			}
			timer.Reset(untilNext(d.verifyPlan, time.Now()))
		}
	}
}
