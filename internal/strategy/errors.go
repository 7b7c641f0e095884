package strategy

import (
	"errors"
	"fmt"
	"net"

	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// Outcome 周期结果分类 / How the scheduler should treat a finished cycle
type Outcome int

const (
	// OutcomeSuccess 正常结束，按周期等待 / Completed; wait the regular interval
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable 可重试错误，退避后重试 / Recoverable failure; back off and retry
	OutcomeRetryable
	// OutcomeFatal 需要人工介入，记录并告警 / Needs an operator; log at ERROR and alert
	OutcomeFatal
)

// String 返回字符串表示 / Return string representation
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TransientError 网络或限流等临时错误 / Temporary gateway failure (network, rate limit, 5xx)
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError 输入或风控校验失败 / Bad price, exposure cap, unusable quantity
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Msg, e.Err)
	}
	return "validation: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PartialExecutionError 开仓只成交了一条腿 / Only one leg of a pair was filled
// 已成交的腿已被记录并跟踪，不做补偿平仓
// The filled leg is persisted and tracked; no compensating close is sent
type PartialExecutionError struct {
	Symbol string
	Filled models.PositionSide
	Failed models.PositionSide
	Err    error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial execution on %s: %s filled, %s failed: %v", e.Symbol, e.Filled, e.Failed, e.Err)
}

func (e *PartialExecutionError) Unwrap() error { return e.Err }

// PersistenceError 成交后账本写入失败 / Ledger write failed after a real fill
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// temporary 由 aster.APIError 等实现 / Implemented by aster.APIError and transport errors
type temporary interface {
	Temporary() bool
}

// isTemporary 错误链中是否有临时错误 / Whether any error in the chain is temporary
func isTemporary(err error) bool {
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// gatewayError 包装交易所错误 / Wrap a gateway failure, tagging temporary ones
func gatewayError(op string, err error) error {
	if isTemporary(err) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Classify 错误分类 / Map a cycle error to the scheduler outcome
// 部分成交与持久化错误为致命，其余均可重试
// Partial execution and persistence failures are fatal; everything else is retryable
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var partial *PartialExecutionError
	if errors.As(err, &partial) {
		return OutcomeFatal
	}
	var persist *PersistenceError
	if errors.As(err, &persist) {
		return OutcomeFatal
	}
	return OutcomeRetryable
}
