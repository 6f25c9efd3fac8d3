package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/audit/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/pkg/utilities"
)

// Event kinds written by the auth core.
const (
	KindLogin                  = "login"
	KindLoginFailed            = "login_failed"
	KindAccountLocked          = "account_locked"
	KindVerificationSent       = "verification_sent"
	KindEmailVerified          = "email_verified"
	KindPasswordResetRequested = "password_reset_requested"
	KindPasswordReset          = "password_reset"
	KindLogout                 = "logout"
	KindRegister               = "register"
	KindEmailChanged           = "email_changed"
)

// Store persists audit events.
type Store interface {
	Insert(ctx context.Context, e repo.Event) error
}

// Recorder queues audit events and writes them from a single worker so callers
// never block on storage. Events that do not fit in the queue are dropped.
type Recorder struct {
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan repo.Event
	done   chan struct{}
}

func NewRecorder(store Store, logger *zap.SugaredLogger, size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
		queue:  make(chan repo.Event, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event. It never returns an error and never blocks.
func (r *Recorder) Record(ctx context.Context, userID int64, username, kind string) {
	e := repo.Event{
		ID:         utilities.NewEventID(),
		UserID:     userID,
		Username:   username,
		Kind:       kind,
		RequestID:  utilities.RequestIDFromContext(ctx),
		OccurredAt: r.now().UTC(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warnw("audit queue full, dropping event", "kind", kind, "user_id", userID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Insert(ctx, e); err != nil {
			r.logger.Warnw("audit write failed", "kind", e.Kind, "user_id", e.UserID, "err", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
