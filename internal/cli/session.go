package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/controller"
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/progress"
	"github.com/rescale/rescale-xfer/internal/services"
	"github.com/rescale/rescale-xfer/internal/store"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

// session is one CLI invocation's transfer stack: engine, persisted record
// store and the controller that deduplicates work across both directions.
type session struct {
	cfg        *config.Config
	logger     *logging.Logger
	engine     *engine.Runner
	controller *controller.Controller
}

func openSession(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*session, error) {
	eng, err := engine.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer engine: %w", err)
	}

	st, err := store.OpenFileStore(cfg.Store.Path)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to open transfer records: %w", err)
	}

	ctrl, err := controller.New(eng, st, controller.Options{AutoStart: true, Logger: logger})
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to start transfer controller: %w", err)
	}

	return &session{cfg: cfg, logger: logger, engine: eng, controller: ctrl}, nil
}

// close shuts the controller (and with it the engine) down. Partial downloads
// stay on disk so the next run resumes them. Safe to call more than once.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.controller.Shutdown(ctx)
}

// batchQueue is the part of DownloadQueue and UploadQueue a batch run needs.
type batchQueue interface {
	AddRequests(reqs []services.TransferRequest) ([]*transfer.Item[engine.Task], error)
	Wait(ctx context.Context) error
	CancelAll() error
	Dispose()
	Stats() services.Stats
	Overall() services.Totals
}

// batchOptions tweaks the queue options read from config.
type batchOptions struct {
	maxConcurrent int
	noRetry       bool
	bandwidth     int64
}

func (s *session) queueOptions(bo batchOptions) transfer.Options {
	opts := transfer.OptionsFromConfig(s.cfg.Queue)
	opts.AutoStart = true
	opts.Logger = s.logger
	if bo.maxConcurrent > 0 {
		opts.MaxConcurrent = bo.maxConcurrent
	}
	if bo.noRetry {
		opts.AutoRetry = false
	}
	return opts
}

func (s *session) newQueue(dir engine.Direction, opts transfer.Options) (batchQueue, error) {
	if dir == engine.Upload {
		q, err := services.NewUploadQueue(s.controller, opts)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := services.NewDownloadQueue(s.controller, opts)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ErrTransfersFailed is returned when at least one transfer in a batch did not
// complete.
var ErrTransfersFailed = errors.New("some transfers did not complete")

// runBatch queues reqs, renders progress to out and waits for every item.
func (s *session) runBatch(ctx context.Context, out io.Writer, dir engine.Direction, reqs []services.TransferRequest, bo batchOptions) error {
	bus := events.NewEventBus(0)
	defer bus.Close()
	retries := countRetries(bus)

	opts := s.queueOptions(bo)
	opts.EventBus = bus
	q, err := s.newQueue(dir, opts)
	if err != nil {
		return err
	}
	defer q.Dispose()

	items, err := q.AddRequests(reqs)
	if err != nil {
		return err
	}
	s.logger.Debug().Int("count", len(items)).Str("direction", string(dir)).Msg("queued transfers")

	done := make(chan struct{})
	var render func()
	switch {
	case quiet:
		render = func() {}
	case plain:
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			progress.Watch(ctx, progress.NewCLIProgress(), q, 250*time.Millisecond, done)
		}()
		render = func() { <-watched }
	default:
		ui := progress.NewUI(len(items))
		for _, item := range items {
			ui.Track(item)
		}
		render = func() {
			ui.Wait()
			fmt.Fprintln(out, ui.Summary())
		}
	}

	waitErr := q.Wait(ctx)
	if waitErr != nil {
		// Closing the engine first keeps partial downloads for the next run;
		// cancelling the queue afterwards only resolves what never started.
		s.logger.Warn().Err(waitErr).Msg("interrupted, stopping transfers")
		if err := s.close(); err != nil {
			s.logger.Warn().Err(err).Msg("shutdown did not finish cleanly")
		}
		_ = q.CancelAll()
	}
	close(done)
	render()

	if waitErr != nil {
		return waitErr
	}
	if n := retries(); n > 0 && !quiet {
		fmt.Fprintf(out, "%d transfer attempt(s) were retried\n", n)
	}
	return batchResult(out, items)
}

// countRetries tallies retry events. The returned func closes the bus and
// reports the total once every buffered event is counted.
func countRetries(bus *events.EventBus) func() int64 {
	var n int64
	done := make(chan struct{})
	sub := bus.Subscribe(events.EventTransferRetrying)
	go func() {
		defer close(done)
		for range sub.Events() {
			n++
		}
	}()
	return func() int64 {
		bus.Close()
		<-done
		return n
	}
}

// batchResult prints one line per item that did not complete.
func batchResult(out io.Writer, items []*transfer.Item[engine.Task]) error {
	failed := 0
	for _, item := range items {
		r, _ := item.Result()
		switch v := r.(type) {
		case transfer.Success:
		case transfer.Failure:
			failed++
			if quiet {
				fmt.Fprintf(out, "failed: %s: %s\n", item.Task().URL, v.Error())
			}
		default:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTransfersFailed, failed, len(items))
	}
	return nil
}
