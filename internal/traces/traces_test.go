package traces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logger.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "unit", TransactionID("tx_1"), CallerID("c1"))
	defer span.End()
	assert.NotNil(t, ctx)
}
