package retry

import "errors"

// OutcomeKind is the executor's decision about one attempt.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	RetryableFailure
	FatalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is produced once per attempt and consumed by the retry loop.
type Outcome struct {
	Kind   OutcomeKind
	Text   string
	Reason Reason
	Err    error
}

func succeeded(text string) Outcome {
	return Outcome{Kind: Success, Text: text}
}

// failed tags untagged errors with their inferred reason so the sentinel
// survives in the chain handed back to callers.
func failed(err error) Outcome {
	reason := Classify(err)
	var f *Failure
	if !errors.As(err, &f) {
		err = &Failure{Reason: reason, Err: err}
	}
	if reason == Fatal {
		return Outcome{Kind: FatalFailure, Reason: reason, Err: err}
	}
	return Outcome{Kind: RetryableFailure, Reason: reason, Err: err}
}
