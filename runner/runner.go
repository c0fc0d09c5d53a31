package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailtools/pop3-to-pipe/config"
	"github.com/mailtools/pop3-to-pipe/deliver"
	"github.com/mailtools/pop3-to-pipe/fetch"
	"github.com/mailtools/pop3-to-pipe/ledger"
	"github.com/mailtools/pop3-to-pipe/model"
	"github.com/mailtools/pop3-to-pipe/pop3"
	"github.com/mailtools/pop3-to-pipe/stats"
)

// Runner drives one run: it opens the ledger, then processes each
// configured account in order. An account that fails is logged and
// skipped; the remaining accounts still run. Only pre-run failures
// (ledger open) and interruption surface as a non-nil return.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store *ledger.Store

	subMu sync.Mutex
	subs  []chan stats.Event

	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(ctx)

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return &Runner{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		store:  store,
	}, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Store() *ledger.Store {
	return r.store
}

// EmitEvent fans an event out to every subscriber. Events are
// observational; a cancelled run drops them.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subs
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers an observer. Each subscriber gets its own
// channel so every observer sees every event. Subscribe before Run;
// the channels close when the run ends.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Run processes every account sequentially, then closes the event
// stream and waits for the observers to finish.
func (r *Runner) Run() error {
	r.since = time.Now()
	defer r.cancel()

	var failed int
	interrupted := false

	for _, account := range r.cfg.Accounts {
		if r.ctx.Err() != nil {
			interrupted = true
			break
		}

		if err := r.runAccount(account); err != nil {
			if fetch.IsInterrupt(err) {
				interrupted = true
				break
			}
			if errors.Is(err, ledger.ErrStorage) {
				// A dead ledger cannot guarantee dedup for any account;
				// stop the run instead of retrying siblings against it.
				r.EmitEvent(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypeError, Account: account.Scope(), Err: err})
				r.logger.Error("ledger failure stops the run", "account", account.Scope(), "err", err)
				r.fail(err)
				break
			}
			failed++
			r.logger.Error("account failed", "account", account.Scope(), "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Account: account.Scope(), Err: err})
		}
	}

	r.closeEvents()
	r.statsWG.Wait()

	if err := r.store.Close(); err != nil {
		r.logger.Warn("close ledger", "err", err)
	}

	duration := time.Since(r.since)
	if interrupted {
		r.logger.Warn("run interrupted", "duration", duration)
		if err := r.ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	if err := r.runErr(); err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration, "accounts", len(r.cfg.Accounts), "failed", failed)
	return nil
}

func (r *Runner) runAccount(account model.Account) error {
	sink, err := deliver.New(account.Command)
	if err != nil {
		return fmt.Errorf("delivery command: %w", err)
	}

	dial := func() (fetch.Session, error) {
		sess, err := pop3.Dial(pop3.Options{
			Host:               account.Host,
			Port:               account.Port,
			User:               account.User,
			Password:           account.Password,
			UseTLS:             account.UseSSL,
			InsecureSkipVerify: r.cfg.InsecureSkipVerify,
			UseAPOP:            account.UseAPOP,
		}, r.logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	loop, err := fetch.New(account, dial, r.store, sink, fetch.Options{
		Delete:         r.cfg.Delete,
		ReconnectEvery: r.cfg.ReconnectEvery,
	}, r, r.logger)
	if err != nil {
		return err
	}

	return loop.Run(r.ctx)
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subs {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func (r *Runner) runErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
