package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, end := p.StartStage(context.Background(), "dashboard", "downloading")
	assert.NotNil(t, ctx)
	end()

	p.RecordBytes(context.Background(), "dashboard", 1024)

	_, done := p.TrackInstall(context.Background(), "dashboard")
	done(errors.New("boom"), "network")

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "courier", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}
