package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mailtools/pop3-to-pipe/deliver"
	"github.com/mailtools/pop3-to-pipe/ledger"
	"github.com/mailtools/pop3-to-pipe/model"
	"github.com/mailtools/pop3-to-pipe/stats"
)

// Session is the slice of a mailbox connection the loop needs. Deletions
// requested with Dele must only take effect on a successful Quit; Abort
// must drop the connection without committing them.
type Session interface {
	Pending() ([]model.Remote, error)
	Retr(seq int) (io.Reader, error)
	Dele(seq int) error
	Quit() error
	Abort()
}

// Dialer opens a fresh authenticated session.
type Dialer func() (Session, error)

// Emitter receives observational progress events. Never load-bearing for
// correctness.
type Emitter interface {
	EmitEvent(stats.Event)
}

type Options struct {
	// Delete removes messages from the server once their key is safely in
	// the ledger (or already was).
	Delete bool
	// ReconnectEvery bounds a session's lifetime; the loop reconnects and
	// relists once it elapses. Zero keeps one session for the whole pass.
	ReconnectEvery time.Duration
}

// Loop drains one account: it opens sessions, walks pending messages in
// server order, consults and updates the ledger inside a per-message
// transaction, pipes new messages to the sink and requests deletions.
type Loop struct {
	account model.Account
	dial    Dialer
	store   *ledger.Store
	sink    deliver.Deliverer
	opts    Options
	events  Emitter
	logger  *slog.Logger

	// Carried across reconnects so the relist guard can terminate the run
	// even when the server keeps re-offering the same total.
	total     int
	announced bool
	processed int
	seen      map[string]struct{}

	// Keys of duplicates whose deletion was requested this session; the
	// ledger entries are pruned once Quit confirms the deletions.
	pruneKeys []string
}

func New(account model.Account, dial Dialer, store *ledger.Store, sink deliver.Deliverer, opts Options, events Emitter, logger *slog.Logger) (*Loop, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("delivery sink must not be nil")
	}
	if opts.Delete && opts.ReconnectEvery > 0 {
		return nil, fmt.Errorf("delete and reconnect interval are mutually exclusive")
	}
	return &Loop{
		account: account,
		dial:    dial,
		store:   store,
		sink:    sink,
		opts:    opts,
		events:  events,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}, nil
}

// Run processes the account to completion, reconnecting as configured.
// Any returned error ends the account's pass; the ledger is never left
// with partial state for the in-flight message.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := l.dial()
		if err != nil {
			return fmt.Errorf("open session for %s: %w", l.account.Scope(), err)
		}
		l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeConnected})

		again, err := l.drain(ctx, sess)
		if err != nil {
			return err
		}
		if !again {
			l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeAccountDone, Total: l.total})
			return nil
		}
	}
}

func (l *Loop) drain(ctx context.Context, sess Session) (reconnect bool, err error) {
	pending, err := sess.Pending()
	if err != nil {
		sess.Abort()
		return false, fmt.Errorf("list pending for %s: %w", l.account.Scope(), err)
	}

	if !l.announced {
		l.announced = true
		l.total = len(pending)
		l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeTotal, Total: l.total})
		if l.logger != nil {
			l.logger.Info("mailbox opened", "account", l.account.Scope(), "pending", l.total)
		}
		if l.total == 0 {
			return false, l.closeSession(sess)
		}
	} else if l.processed >= l.total {
		// The announced total is drained. This also stops a buggy server
		// that keeps re-offering the same messages after a full drain.
		if l.logger != nil {
			l.logger.Debug("announced total reached, stopping", "account", l.account.Scope(), "processed", l.processed)
		}
		return false, l.closeSession(sess)
	}

	started := time.Now()
	for _, msg := range pending {
		if cerr := ctx.Err(); cerr != nil {
			// Interrupted between messages: flush deletion marks for the
			// work already committed, then stop.
			_ = l.closeSession(sess)
			return false, cerr
		}

		// Relists after a reconnect re-offer messages handled earlier in
		// this run; they are settled and count no further progress.
		if _, handled := l.seen[msg.UID]; handled {
			continue
		}

		if perr := l.process(ctx, sess, msg); perr != nil {
			sess.Abort()
			return false, perr
		}
		l.seen[msg.UID] = struct{}{}
		l.processed++

		if l.opts.ReconnectEvery > 0 && time.Since(started) >= l.opts.ReconnectEvery {
			reconnect = true
			break
		}
	}

	if err := l.closeSession(sess); err != nil {
		return false, err
	}
	// Whether anything is left to do is decided by the relist guard on the
	// next session, not by local bookkeeping.
	return reconnect, nil
}

// process runs the per-message decision inside one ledger transaction:
// begin, check-or-record, commit on success, roll back on any failure.
func (l *Loop) process(ctx context.Context, sess Session, msg model.Remote) error {
	key := l.account.Key(msg.UID)

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seen, err := tx.Exists(key)
	if err != nil {
		return err
	}

	if seen {
		if l.opts.Delete {
			if err := sess.Dele(msg.Seq); err != nil {
				return fmt.Errorf("delete duplicate %s: %w", key, err)
			}
			l.pruneKeys = append(l.pruneKeys, key)
			l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDeleted, UID: msg.UID, Seq: msg.Seq})
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDuplicate, UID: msg.UID, Seq: msg.Seq, Total: l.total, Size: msg.Size})
		if l.logger != nil {
			l.logger.Debug("skipped duplicate", "account", l.account.Scope(), "uid", msg.UID)
		}
		return nil
	}

	body, err := sess.Retr(msg.Seq)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", key, err)
	}

	src := &trackReader{r: newUnixReader(body)}
	counted := &progressReader{
		r: src,
		emit: func(done int64) {
			l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeBytes, UID: msg.UID, Seq: msg.Seq, Size: msg.Size, Bytes: done})
		},
	}

	if err := l.sink.Deliver(ctx, counted); err != nil {
		if src.err != nil {
			// The server stream died mid-transfer; the in-flight message
			// stays unrecorded and is re-fetched next run.
			return fmt.Errorf("stream %s: %w", key, src.err)
		}
		l.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, UID: msg.UID, Err: err})
		return fmt.Errorf("deliver %s: %w", key, err)
	}

	if err := tx.Record(key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDelivered, UID: msg.UID, Seq: msg.Seq, Total: l.total, Size: msg.Size})
	if l.logger != nil {
		l.logger.Debug("delivered", "account", l.account.Scope(), "uid", msg.UID, "size", msg.Size)
	}

	// Ledger commit happens before the deletion request: a crash here
	// leaves a recorded, undeleted message, recognized as a duplicate and
	// deleted on the next run.
	if l.opts.Delete {
		if err := sess.Dele(msg.Seq); err != nil {
			return fmt.Errorf("delete delivered %s: %w", key, err)
		}
		l.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDeleted, UID: msg.UID, Seq: msg.Seq})
	}
	return nil
}

// closeSession commits pending deletions via Quit and only then prunes
// ledger entries for duplicates that are now gone from the server. If Quit
// fails the deletions are unconfirmed and the ledger entries stay.
func (l *Loop) closeSession(sess Session) error {
	if err := sess.Quit(); err != nil {
		l.pruneKeys = nil
		return fmt.Errorf("close session for %s: %w", l.account.Scope(), err)
	}
	if len(l.pruneKeys) == 0 {
		return nil
	}
	if err := l.store.RemoveMany(l.pruneKeys); err != nil {
		// Best effort: a stale ledger entry only costs a future skip.
		if l.logger != nil {
			l.logger.Warn("ledger prune failed", "account", l.account.Scope(), "keys", len(l.pruneKeys), "err", err)
		}
	} else {
		l.emit(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypePruned, Count: len(l.pruneKeys)})
	}
	l.pruneKeys = nil
	return nil
}

func (l *Loop) emit(evt stats.Event) {
	if l.events == nil {
		return
	}
	evt.Account = l.account.Scope()
	l.events.EmitEvent(evt)
}

// IsInterrupt reports whether err is a context cancellation rather than a
// mailbox or delivery fault.
func IsInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
