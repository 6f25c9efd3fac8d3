package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the outbound queue cannot take another message.
var ErrQueueFull = errors.New("mail queue full")

type job struct {
	kind string
	to   string
	code int
}

// Async hands messages to a background worker so callers never wait on SMTP.
// Delivery failures are logged, not returned.
type Async struct {
	next    Mailer
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

func NewAsync(next Mailer, logger *zap.SugaredLogger, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: 30 * time.Second,
		queue:   make(chan job, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) SendVerificationCode(_ context.Context, to string, code int) error {
	return a.enqueue(job{kind: "verification", to: to, code: code})
}

func (a *Async) SendPasswordResetCode(_ context.Context, to string, code int) error {
	return a.enqueue(job{kind: "password_reset", to: to, code: code})
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		var err error
		switch j.kind {
		case "verification":
			err = a.next.SendVerificationCode(ctx, j.to, j.code)
		case "password_reset":
			err = a.next.SendPasswordResetCode(ctx, j.to, j.code)
		}
		cancel()
		if err != nil {
			a.logger.Warnw("mail delivery failed", "kind", j.kind, "to", j.to, "err", err)
		}
	}
}

// Close flushes queued messages and stops the worker.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
