// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDesired() DesiredState {
	return DesiredState{
		SceneName:  "Cliparino",
		SourceName: "CliparinoPlayer",
		Width:      1920,
		Height:     1080,
		URL:        "http://localhost:8080/player",
	}
}

func connect(t *testing.T, m *mockOBS, password string) *Controller {
	t.Helper()
	ctrl := NewController(nil)
	host, port := m.hostPort()
	require.NoError(t, ctrl.Connect(context.Background(), host, port, password))
	t.Cleanup(func() { _ = ctrl.Disconnect() })
	return ctrl
}

func TestConnectWithAuth(t *testing.T) {
	m := newMockOBS(t, "hunter2")
	ctrl := connect(t, m, "hunter2")
	assert.True(t, ctrl.IsConnected())
}

func TestConnectBadPassword(t *testing.T) {
	m := newMockOBS(t, "hunter2")
	ctrl := NewController(nil)
	host, port := m.hostPort()

	err := ctrl.Connect(context.Background(), host, port, "wrong")
	assert.Error(t, err)
	assert.False(t, ctrl.IsConnected())
}

func TestCallWhileDisconnected(t *testing.T) {
	ctrl := NewController(nil)
	err := ctrl.SetBrowserSourceURL(context.Background(), "CliparinoPlayer", "about:blank")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEnsureSceneAndSourceCreatesEverything(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")

	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), testDesired()))

	settings, ok := m.input("CliparinoPlayer")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8080/player", settings.URL)
	assert.Equal(t, 1920, settings.Width)
	assert.Equal(t, 1080, settings.Height)
	assert.Equal(t, 60, settings.FPS)
	assert.True(t, settings.FPSCustom)
	assert.True(t, settings.RerouteAudio)
	assert.True(t, settings.RestartWhenActive)
	assert.True(t, settings.ShutdownInactive)
	assert.Equal(t, 2, settings.WebpageControl)

	assert.Equal(t, 1, m.callCount("CreateScene"))
	assert.Equal(t, 1, m.callCount("CreateInput"))
	// Cliparino scene nested into the active program scene.
	assert.Equal(t, 1, m.callCount("CreateSceneItem"))
}

func TestEnsureSceneAndSourceIdempotent(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	desired := testDesired()

	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))
	createsScene := m.callCount("CreateScene")
	createsInput := m.callCount("CreateInput")
	createsItem := m.callCount("CreateSceneItem")
	updates := m.callCount("SetInputSettings")

	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	// Second converge with no external change issues no creates or updates.
	assert.Equal(t, createsScene, m.callCount("CreateScene"))
	assert.Equal(t, createsInput, m.callCount("CreateInput"))
	assert.Equal(t, createsItem, m.callCount("CreateSceneItem"))
	assert.Equal(t, updates, m.callCount("SetInputSettings"))

	observed, err := ctrl.ObserveState(context.Background(), desired)
	require.NoError(t, err)
	assert.Empty(t, driftFields(desired, observed))
}

func TestEnsureRepairsDivergedSettings(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	desired := testDesired()

	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	// Simulate an external edit in the OBS UI.
	settings, _ := m.input("CliparinoPlayer")
	settings.Width = 1280
	m.setInput("CliparinoPlayer", settings)

	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	repaired, _ := m.input("CliparinoPlayer")
	assert.Equal(t, 1920, repaired.Width)
	assert.GreaterOrEqual(t, m.callCount("PressInputPropertiesButton"), 1, "update triggers a refresh")
}

func TestSetSourceVisibility(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	desired := testDesired()
	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	require.NoError(t, ctrl.SetSourceVisibility(context.Background(), desired.SceneName, desired.SourceName, false))
	m.mu.Lock()
	id := m.scenes[desired.SceneName][desired.SourceName]
	m.mu.Unlock()
	assert.False(t, m.itemEnabled(id))

	require.NoError(t, ctrl.SetSourceVisibility(context.Background(), desired.SceneName, desired.SourceName, true))
	assert.True(t, m.itemEnabled(id))
}

func TestSetBrowserSourceURL(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	desired := testDesired()
	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	require.NoError(t, ctrl.SetBrowserSourceURL(context.Background(), desired.SourceName, "about:blank"))
	settings, _ := m.input(desired.SourceName)
	assert.Equal(t, "about:blank", settings.URL)
}

func TestProtocolErrorSurfacedVerbatim(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")

	err := ctrl.SetSourceVisibility(context.Background(), "NoSuchScene", "NoSuchSource", true)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "GetSceneItemId", reqErr.RequestType)
	assert.Contains(t, reqErr.Comment, "no scene")
}

func TestDisconnectCallbackFires(t *testing.T) {
	m := newMockOBS(t, "")
	gotDisconnect := make(chan struct{})
	ctrl := NewController(func(error) { close(gotDisconnect) })
	host, port := m.hostPort()
	require.NoError(t, ctrl.Connect(context.Background(), host, port, ""))

	m.dropConnections()

	select {
	case <-gotDisconnect:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not fired")
	}
	assert.False(t, ctrl.IsConnected())
}

func TestDisconnectIdempotent(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	require.NoError(t, ctrl.Disconnect())
	assert.NoError(t, ctrl.Disconnect())
}

func TestPlayerRoutesURLThroughStore(t *testing.T) {
	m := newMockOBS(t, "")
	ctrl := connect(t, m, "")
	desired := testDesired()
	require.NoError(t, ctrl.EnsureSceneAndSource(context.Background(), desired))

	store := NewStore(desired)
	player := NewPlayer(ctrl, store)

	require.NoError(t, player.SetURL(context.Background(), "http://localhost:8080/player?clip=abc"))
	assert.Equal(t, "http://localhost:8080/player?clip=abc", store.Snapshot().URL)

	// The drift check now treats the playback URL as desired.
	observed, err := ctrl.ObserveState(context.Background(), store.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, driftFields(store.Snapshot(), observed))
}
