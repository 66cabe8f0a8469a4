package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/sonic/internal/config"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Parallel()

	shutdown, err := Init(t.Context(), config.TelemetryConfig{ServiceName: "sonic-test", SampleRatio: 1})

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(t.Context()))
}
