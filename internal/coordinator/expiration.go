package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/planboard"
)

// ExpirationCoordinator moves non-terminal messages past their expiration
// date to EXPIRED. Meter data queries are left to the settlement sweep.
type ExpirationCoordinator struct {
	base
}

// NewExpirationCoordinator creates an ExpirationCoordinator
func NewExpirationCoordinator(deps Deps) *ExpirationCoordinator {
	return &ExpirationCoordinator{base: newBase("expiration", deps)}
}

// ExpireDocuments returns the number of messages expired
func (c *ExpirationCoordinator) ExpireDocuments(ctx context.Context) (expired int, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	now := c.Now()
	err = c.inTx(ctx, func(tx planboard.Store, _ *unitOfWork) error {
		expired = 0
		msgs, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{ExpiredAt: &now})
		if err != nil {
			return fmt.Errorf("find expiring messages: %w", err)
		}

		for _, m := range msgs {
			if m.DocumentType == contracts.DocumentMeterDataQuery {
				continue
			}
			if !lifecycle.Expire(m, now) {
				continue
			}
			if err := tx.UpdatePlanboardMessage(ctx, m); err != nil {
				return fmt.Errorf("expire message: %w", err)
			}
			expired++
			c.log.WithFields(map[string]interface{}{
				"document_type": m.DocumentType,
				"sequence":      m.Sequence,
				"participant":   m.ParticipantDomain,
			}).Debug("Message expired")
		}
		return nil
	})
	return expired, err
}
