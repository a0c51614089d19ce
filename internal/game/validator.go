// Package game holds the number hunt rules: the submission validator, the
// per-group session repository and the per-user stats ledger.
package game

import "number-hunt-bot/internal/model"

// Decide validates a submission against the session it targets.
//
// It is a pure function: the same session and submission always produce the
// same decision, and nothing is written anywhere. Claims below the expected
// number are AlreadySubmitted, claims above it are OutOfOrder.
func Decide(session *model.Session, sub *model.Submission) model.Decision {
	expected := session.CurrentNumber

	switch {
	case !session.IsActive():
		return model.Reject(model.ReasonNotStarted, expected)
	case sub.ClaimedNumber < expected:
		return model.Reject(model.ReasonAlreadySubmitted, expected)
	case sub.ClaimedNumber > expected:
		return model.Reject(model.ReasonOutOfOrder, expected)
	default:
		return model.Accept(expected)
	}
}
