package engine

import (
	"fmt"
	"time"

	"kestrel/internal/domain"
)

// OutOfOrderError is returned by StepTo when the requested timestamp does not
// advance the clock to the next bar. Skipped counts the bars it would have
// jumped over; it is zero when the clock would not move forward.
type OutOfOrderError struct {
	Clock     time.Time
	Requested time.Time
	Skipped   int
}

func (e *OutOfOrderError) Error() string {
	if e.Skipped > 0 {
		return fmt.Sprintf("engine: step to %s skips %d bar(s) after clock %s",
			e.Requested.Format(time.RFC3339), e.Skipped, e.Clock.Format(time.RFC3339))
	}
	return fmt.Sprintf("engine: step to %s is not after clock %s",
		e.Requested.Format(time.RFC3339), e.Clock.Format(time.RFC3339))
}

func (e *OutOfOrderError) Unwrap() error { return domain.ErrOutOfOrder }

// RejectedError carries the reason a signal was refused.
type RejectedError struct {
	Rejection domain.Rejection
}

func (e *RejectedError) Error() string {
	r := e.Rejection
	if r.Detail == "" {
		return fmt.Sprintf("engine: signal %q rejected: %s", r.SignalID, r.Reason)
	}
	return fmt.Sprintf("engine: signal %q rejected: %s: %s", r.SignalID, r.Reason, r.Detail)
}

func (e *RejectedError) Unwrap() error { return domain.ErrRejected }
