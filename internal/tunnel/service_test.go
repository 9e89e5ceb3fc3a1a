package tunnel

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traklist/server/internal/config"
)

func TestDisabledTunnel(t *testing.T) {
	log, _ := test.NewNullLogger()

	svc, err := NewService(config.NgrokConfig{Enabled: false, AuthToken: "tok"}, log)
	require.NoError(t, err)
	assert.Nil(t, svc)

	assert.NoError(t, svc.Start(context.Background(), "localhost:8080"))
	assert.Empty(t, svc.PublicURL())
	assert.Nil(t, svc.Done())
	assert.NoError(t, svc.Stop())
}

func TestTunnelRequiresAuthToken(t *testing.T) {
	log, _ := test.NewNullLogger()

	svc, err := NewService(config.NgrokConfig{Enabled: true}, log)
	assert.Error(t, err)
	assert.Nil(t, svc)
}
