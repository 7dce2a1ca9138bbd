package fee_profit_retry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Retrier re-attempts failed profit transfers
type Retrier interface {
	RetryFailed(ctx context.Context) (int, error)
}

type Worker struct {
	splitter Retrier
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	logger   *zap.Logger
}

func NewWorker(splitter Retrier, schedule string, timeout time.Duration, logger *zap.Logger) *Worker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Worker{
		splitter: splitter,
		schedule: schedule,
		timeout:  timeout,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}
}

func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		w.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	w.cron.Start()
	w.logger.Info("Fee profit retry worker started", zap.String("schedule", w.schedule))
	return nil
}

func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Fee profit retry worker stopped")
}

// RunOnce runs a single retry pass (for testing or manual trigger)
func (w *Worker) RunOnce(ctx context.Context) {
	routed, err := w.splitter.RetryFailed(ctx)
	if err != nil {
		w.logger.Error("Failed to retry profit transfers", zap.Error(err))
		return
	}
	if routed > 0 {
		w.logger.Info("Retried profit transfers", zap.Int("routed", routed))
	}
}
