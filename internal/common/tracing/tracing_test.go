package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/common/config"
)

func TestFromConfig_ClampsSampleRate(t *testing.T) {
	cfg := &config.Config{ServiceName: "idsync-service", Environment: "test", TracingSample: 5}
	tc := FromConfig(cfg)
	assert.Equal(t, 1.0, tc.SampleRate)
	assert.Equal(t, "idsync-service", tc.ServiceName)
	assert.False(t, tc.Enabled)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer("directory"))
}
