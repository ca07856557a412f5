package models

// Result is the conclusion of a step, job instance, job or run.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultCancelled Result = "cancelled"
	ResultSkipped   Result = "skipped"
)

func (r Result) String() string { return string(r) }

// Aggregate folds instance results into a job or run result: failure wins
// over cancelled, and skipped only when every member was skipped.
func Aggregate(results ...Result) Result {
	if len(results) == 0 {
		return ResultSkipped
	}
	var failed, cancelled, skipped int
	for _, r := range results {
		switch r {
		case ResultFailure:
			failed++
		case ResultCancelled:
			cancelled++
		case ResultSkipped:
			skipped++
		}
	}
	switch {
	case failed > 0:
		return ResultFailure
	case cancelled > 0:
		return ResultCancelled
	case skipped == len(results):
		return ResultSkipped
	}
	return ResultSuccess
}
