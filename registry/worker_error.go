package registry

import "github.com/fieldstack/blueprint/core"

// Classify maps a worker-reported core.ToolError into the manager's
// critical-error taxonomy (spec §4.7.3): auth and input errors are fatal;
// rate-limit and service errors are recoverable when marked retryable and
// fatal otherwise; everything else is recoverable. The manager's dispatch
// retries the retryable ones first and classifies them only once its
// retries are used up, so the plan then continues past that worker.
//
// Grounded on core.ErrorCategory / core.ToolError (core/tool_error.go),
// the teacher's protocol for tools to report structured, retry-aware
// errors to their callers; this reuses that vocabulary instead of
// inventing a parallel one for workers.
func Classify(err *core.ToolError) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch err.Category {
	case core.CategoryAuthError, core.CategoryInputError:
		return OutcomeFatalErr
	case core.CategoryRateLimit, core.CategoryServiceError:
		if err.Retryable {
			return OutcomeRecoverableErr
		}
		return OutcomeFatalErr
	case core.CategoryNotFound:
		return OutcomeRecoverableErr
	default:
		return OutcomeRecoverableErr
	}
}

// IsTransient reports whether err should be retried under the dispatch
// retry policy (spec §4.7.4) before being escalated.
func IsTransient(err *core.ToolError) bool {
	if err == nil {
		return false
	}
	return err.Retryable && (err.Category == core.CategoryRateLimit || err.Category == core.CategoryServiceError)
}
