package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/internal/strategy"
)

// Runner 周期执行者 / Something that runs one strategy cycle
type Runner interface {
	Symbol() string
	RunCycle(ctx context.Context) strategy.CycleResult
}

// Observer 周期观察者 / Receives every finished cycle, e.g. for metrics
type Observer interface {
	ObserveCycle(symbol string, res strategy.CycleResult, elapsed time.Duration)
}

// Scheduler 策略调度器 / Strategy scheduler
// 负责按固定周期运行策略，出错后退避
// Runs the strategy on a fixed period and backs off after a failed cycle
type Scheduler struct {
	runner   Runner
	interval time.Duration
	backoff  time.Duration
	alerter  strategy.Alerter
	observer Observer
	logger   *logger.Logger

	// after 返回等待通道，测试中替换 / Wait primitive, replaced in tests
	after func(d time.Duration) <-chan time.Time
}

// New 创建调度器 / Create scheduler
//
// Parameters:
//   - runner: 策略引擎 / Strategy engine for one symbol
//   - interval: 正常周期间隔 / Wait after a successful cycle
//   - backoff: 出错后等待 / Wait after a retryable or fatal cycle
//   - alerter: 致命错误告警，可为nil / Alert sink for fatal cycles, may be nil
//   - observer: 周期观察者，可为nil / Cycle observer, may be nil
//   - logger: Logger instance
//
// Returns:
//   - *Scheduler: 调度器实例 / Scheduler instance
func New(runner Runner, interval, backoff time.Duration, alerter strategy.Alerter, observer Observer, logger *logger.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		backoff:  backoff,
		alerter:  alerter,
		observer: observer,
		logger:   logger,
		after:    time.After,
	}
}

// Run 运行调度循环 / Run scheduler loop until ctx is cancelled
// 第一个周期立即执行；已开始的周期不受取消影响，取消只在周期之间生效
// The first cycle runs immediately; a started cycle is never interrupted, cancellation
// is observed only between cycles
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started for %s: interval %v, backoff %v", s.runner.Symbol(), s.interval, s.backoff)

	for {
		if ctx.Err() != nil {
			s.logger.Info("Scheduler stopped for %s", s.runner.Symbol())
			return nil
		}

		res := s.runCycle(context.WithoutCancel(ctx))

		wait := s.interval
		if res.Outcome != strategy.OutcomeSuccess {
			wait = s.backoff
		}
		s.logger.Debug("Next cycle in %v", wait)

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped for %s", s.runner.Symbol())
			return nil
		case <-s.after(wait):
		}
	}
}

// runCycle 执行一次周期 / Run one cycle and act on its outcome
// 使用 recover 防止 panic 终止进程 / Recovers panics so a cycle cannot crash the process
func (s *Scheduler) runCycle(ctx context.Context) (res strategy.CycleResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = strategy.CycleResult{
				Action:  strategy.ActionNone,
				Outcome: strategy.OutcomeFatal,
				Err:     fmt.Errorf("panic in cycle: %v", r),
			}
		}
		s.handle(ctx, res, time.Since(start))
	}()

	return s.runner.RunCycle(ctx)
}

func (s *Scheduler) handle(ctx context.Context, res strategy.CycleResult, elapsed time.Duration) {
	if s.observer != nil {
		s.observer.ObserveCycle(s.runner.Symbol(), res, elapsed)
	}

	switch res.Outcome {
	case strategy.OutcomeSuccess:
		s.logger.Debug("Cycle finished: action=%s state=%s in %v", res.Action, res.State, elapsed)
	case strategy.OutcomeRetryable:
		s.logger.Warn("Cycle failed (action=%s), retrying in %v: %v", res.Action, s.backoff, res.Err)
	case strategy.OutcomeFatal:
		s.logger.Error("Cycle failed and needs attention (action=%s): %v", res.Action, res.Err)
		if s.alerter != nil {
			msg := fmt.Sprintf("%s cycle failed: %v", s.runner.Symbol(), res.Err)
			if err := s.alerter.Alert(ctx, "Strategy error", msg); err != nil {
				s.logger.Warn("Failed to send alert: %v", err)
			}
		}
	}
}
