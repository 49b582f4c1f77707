package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusinessErrorMatching(t *testing.T) {
	err := fmt.Errorf("revoke offer 42: %w", NewBusinessError(CodePtusInWrongPhase, "ptu %d is in %s", 7, PhaseOperate))

	assert.True(t, IsBusinessError(err, CodePtusInWrongPhase))
	assert.False(t, IsBusinessError(err, CodeDocumentExpired))
	assert.True(t, errors.Is(err, &BusinessError{Code: CodePtusInWrongPhase}))

	be, ok := AsBusinessError(err)
	assert.True(t, ok)
	assert.Equal(t, "ptu 7 is in OPERATE", be.Message)
	assert.Equal(t, "PTUS_IN_WRONG_PHASE: ptu 7 is in OPERATE", be.Error())
}

func TestConfigurationError(t *testing.T) {
	err := fmt.Errorf("place orders: %w", NewConfigurationError("pbc", "step %s missing output %s", "BRP_PLACE_FLEX_ORDERS", "ACCEPTED_FLEX_OFFER_SEQUENCES"))

	assert.True(t, IsConfigurationError(err))
	assert.False(t, IsConfigurationError(errors.New("io")))
	_, ok := AsBusinessError(err)
	assert.False(t, ok)
}
