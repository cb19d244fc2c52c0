package app

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/pkg/util"
)

func TestApp_RunStop(t *testing.T) {
	mr := miniredis.RunT(t)

	config := NewDefaultConfig()
	config.Server.HTTPListenPort = util.MustGetFreePort()
	config.Queue.Address = mr.Addr()
	config.Storage.Path = t.TempDir()
	config.ApplyDerived()
	require.NoError(t, config.Validate())

	app, err := New(*config)
	require.NoError(t, err)

	// start hindsight
	go func() {
		require.NoError(t, app.Run())
	}()

	// check health endpoint is reachable
	healthCheckURL := fmt.Sprintf("http://localhost:%d/ready", config.Server.HTTPListenPort)
	require.Eventually(t, func() bool {
		t.Log("Checking hindsight is up...")
		resp, httpErr := http.Get(healthCheckURL)
		if httpErr != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 1*time.Second)

	// stop hindsight
	app.Stop()

	// check health endpoint is not reachable anymore
	require.Eventually(t, func() bool {
		t.Log("Checking hindsight is down...")
		_, httpErr := http.Get(healthCheckURL)
		return httpErr != nil
	}, 30*time.Second, 1*time.Second)
}

func TestApp_RejectsUnknownTarget(t *testing.T) {
	mr := miniredis.RunT(t)

	config := NewDefaultConfig()
	config.Target = "does-not-exist"
	config.Server.HTTPListenPort = util.MustGetFreePort()
	config.Queue.Address = mr.Addr()
	config.Storage.Path = t.TempDir()
	config.ApplyDerived()

	app, err := New(*config)
	require.NoError(t, err)
	require.Error(t, app.Run())
}
