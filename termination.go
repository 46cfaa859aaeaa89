package reactctrl

import "fmt"

// TerminationCode is the reason a solver reports for ending an attempt.
type TerminationCode int

const (
	CodeSuccess TerminationCode = iota
	CodeMaxIterExceeded
	CodeStopAtTinyStep
	CodeStopAtAcceptablePoint
	CodeLocalInfeasibility
	CodeUserRequestedStop
	CodeFeasiblePointFound
	CodeDivergingIterates
	CodeRestorationFailure
	CodeErrorInStepComputation
	CodeInvalidNumberDetected
	CodeTooFewDegreesOfFreedom
	CodeInternalError
)

var terminationNames = map[TerminationCode]string{
	CodeSuccess:                "success",
	CodeMaxIterExceeded:        "max_iter_exceeded",
	CodeStopAtTinyStep:         "stop_at_tiny_step",
	CodeStopAtAcceptablePoint:  "stop_at_acceptable_point",
	CodeLocalInfeasibility:     "local_infeasibility",
	CodeUserRequestedStop:      "user_requested_stop",
	CodeFeasiblePointFound:     "feasible_point_found",
	CodeDivergingIterates:      "diverging_iterates",
	CodeRestorationFailure:     "restoration_failure",
	CodeErrorInStepComputation: "error_in_step_computation",
	CodeInvalidNumberDetected:  "invalid_number_detected",
	CodeTooFewDegreesOfFreedom: "too_few_degrees_of_freedom",
	CodeInternalError:          "internal_error",
}

func (c TerminationCode) String() string {
	if name, ok := terminationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("termination(%d)", int(c))
}

// SolveOutcome is what the control cycle does with a solver result.
type SolveOutcome int

const (
	// OutcomeAccepted dispatches the solution.
	OutcomeAccepted SolveOutcome = iota
	// OutcomeBestEffort dispatches the solution but the solve did not converge.
	OutcomeBestEffort
	// OutcomeRejected discards the solution and faults the cycle.
	OutcomeRejected
	// OutcomeCancelled stops motion and returns the cycle to idle.
	OutcomeCancelled
)

func (o SolveOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeBestEffort:
		return "best_effort"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// terminationOutcomes is the only place termination codes are interpreted.
var terminationOutcomes = map[TerminationCode]SolveOutcome{
	CodeSuccess:                OutcomeAccepted,
	CodeFeasiblePointFound:     OutcomeAccepted,
	CodeStopAtAcceptablePoint:  OutcomeAccepted,
	CodeMaxIterExceeded:        OutcomeBestEffort,
	CodeStopAtTinyStep:         OutcomeBestEffort,
	CodeLocalInfeasibility:     OutcomeRejected,
	CodeDivergingIterates:      OutcomeRejected,
	CodeRestorationFailure:     OutcomeRejected,
	CodeErrorInStepComputation: OutcomeRejected,
	CodeInvalidNumberDetected:  OutcomeRejected,
	CodeTooFewDegreesOfFreedom: OutcomeRejected,
	CodeInternalError:          OutcomeRejected,
	CodeUserRequestedStop:      OutcomeCancelled,
}

// Classify maps a termination code to its cycle outcome. Codes outside the
// table are rejected.
func Classify(code TerminationCode) SolveOutcome {
	if outcome, ok := terminationOutcomes[code]; ok {
		return outcome
	}
	return OutcomeRejected
}
