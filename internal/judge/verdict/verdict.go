// Package verdict maps sandbox exit statuses to judge verdicts.
package verdict

import "net/http"

// Verdict represents the final outcome of one execution.
type Verdict string

const (
	Accepted          Verdict = "ACCEPTED"
	WrongAnswer       Verdict = "WRONG_ANSWER"
	CompilationError  Verdict = "COMPILATION_ERROR"
	RuntimeError      Verdict = "RUNTIME_ERROR"
	TimeLimitExceeded Verdict = "TIME_LIMIT_EXCEEDED"
	OutOfMemory       Verdict = "OUT_OF_MEMORY"
)

// Reserved exit statuses produced by the entrypoint script.
// A user program that exits with one of these on its own is misclassified.
const (
	SuccessCode          = 0
	CompilationErrorCode = 95
	TimeLimitCode        = 124
	MemoryLimitCode      = 137
)

// All lists every verdict in a stable order.
func All() []Verdict {
	return []Verdict{Accepted, WrongAnswer, CompilationError, RuntimeError, TimeLimitExceeded, OutOfMemory}
}

// Decode maps an exit status and the output comparison to a verdict.
// A compilation failure wins over everything else.
func Decode(exitStatus int, outputsMatch bool) Verdict {
	switch exitStatus {
	case CompilationErrorCode:
		return CompilationError
	case TimeLimitCode:
		return TimeLimitExceeded
	case MemoryLimitCode:
		return OutOfMemory
	case SuccessCode:
		if outputsMatch {
			return Accepted
		}
		return WrongAnswer
	default:
		return RuntimeError
	}
}

// Normalize folds limit flags reported by the sandbox into the exit status.
// The compilation error status is kept as-is; time wins over memory.
func Normalize(exitStatus int, timeExceeded, memoryExceeded bool) int {
	if exitStatus == CompilationErrorCode {
		return exitStatus
	}
	if timeExceeded {
		return TimeLimitCode
	}
	if memoryExceeded {
		return MemoryLimitCode
	}
	return exitStatus
}

// HTTPStatus is the status code a synchronous response carries for v.
// Every verdict is a successful judge run.
func (v Verdict) HTTPStatus() int {
	return http.StatusOK
}

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	for _, known := range All() {
		if v == known {
			return true
		}
	}
	return false
}
