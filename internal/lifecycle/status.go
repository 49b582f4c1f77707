// Package lifecycle enforces the legal document status and PTU phase
// transitions of the planboard.
package lifecycle

import (
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
)

// statusTransitions lists the legal targets of every non-terminal status.
// EXPIRED is reachable from every non-terminal status and REVOKED from
// every non-terminal flex offer status; both are handled in CanTransition.
var statusTransitions = map[contracts.DocumentStatus][]contracts.DocumentStatus{
	contracts.StatusCreated: {contracts.StatusSent},
	contracts.StatusReceived: {
		contracts.StatusAccepted,
		contracts.StatusRejected,
	},
	contracts.StatusSent: {
		contracts.StatusAccepted,
		contracts.StatusRejected,
		contracts.StatusProcessed,
	},
	contracts.StatusAccepted: {
		contracts.StatusPendingFlexTrading,
		contracts.StatusProcessed,
	},
	contracts.StatusPendingFlexTrading: {contracts.StatusProcessed},
}

// CanTransition reports whether a document of the given type may move from
// one status to another
func CanTransition(docType contracts.DocumentType, from, to contracts.DocumentStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case contracts.StatusExpired:
		return true
	case contracts.StatusRevoked:
		return docType == contracts.DocumentFlexOffer
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// isPositive reports whether reaching s means acting on the document
func isPositive(s contracts.DocumentStatus) bool {
	switch s {
	case contracts.StatusAccepted, contracts.StatusPendingFlexTrading, contracts.StatusProcessed:
		return true
	}
	return false
}

// Transition moves msg to the target status. Moving to the current status
// is a no-op so retried workflows stay idempotent. A positive transition
// on a message whose expiration date has passed fails with DOCUMENT_EXPIRED.
func Transition(msg *contracts.PlanboardMessage, to contracts.DocumentStatus, now time.Time) error {
	if msg.Status == to {
		return nil
	}
	if isPositive(to) && msg.IsExpired(now) {
		return contracts.NewBusinessError(contracts.CodeDocumentExpired,
			"%s %d expired at %s", msg.DocumentType, msg.Sequence, msg.ExpirationDate.Format(time.RFC3339))
	}
	if !CanTransition(msg.DocumentType, msg.Status, to) {
		return contracts.NewBusinessError(contracts.CodeIllegalStatusTransition,
			"%s %d cannot move from %s to %s", msg.DocumentType, msg.Sequence, msg.Status, to)
	}
	msg.Status = to
	return nil
}

// Expire moves msg to EXPIRED when its expiration date has passed and it is
// not yet terminal. It reports whether the status changed.
func Expire(msg *contracts.PlanboardMessage, now time.Time) bool {
	if msg.Status.IsTerminal() || !msg.IsExpired(now) {
		return false
	}
	msg.Status = contracts.StatusExpired
	return true
}
