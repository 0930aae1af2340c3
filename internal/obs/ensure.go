// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"errors"

	"github.com/cliparino/cliparino/internal/log"
)

const browserSourceKind = "browser_source"

type sceneListResponse struct {
	Scenes []struct {
		SceneName string `json:"sceneName"`
	} `json:"scenes"`
}

type inputSettingsResponse struct {
	InputSettings browserSettings `json:"inputSettings"`
}

type browserSettings struct {
	URL               string `json:"url,omitempty"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	FPS               int    `json:"fps,omitempty"`
	FPSCustom         bool   `json:"fps_custom,omitempty"`
	RerouteAudio      bool   `json:"reroute_audio,omitempty"`
	RestartWhenActive bool   `json:"restart_when_active,omitempty"`
	ShutdownInactive  bool   `json:"shutdown,omitempty"`
	WebpageControl    int    `json:"webpage_control_level,omitempty"`
}

type sceneItemIDResponse struct {
	SceneItemID int `json:"sceneItemId"`
}

type currentSceneResponse struct {
	CurrentProgramSceneName string `json:"currentProgramSceneName"`
}

// EnsureSceneAndSource converges OBS onto the desired state. Idempotent:
// a second call with no external change issues no create or update
// requests. It also nests the managed scene into the active program scene
// so the player is visible wherever the streamer currently is.
func (c *Controller) EnsureSceneAndSource(ctx context.Context, desired DesiredState) error {
	logger := log.WithComponentFromContext(ctx, "obs")

	if err := c.ensureScene(ctx, desired.SceneName); err != nil {
		return err
	}

	created, err := c.ensureBrowserSource(ctx, desired)
	if err != nil {
		return err
	}
	if created {
		logger.Info().
			Str("event", "obs.source_created").
			Str("scene", desired.SceneName).
			Str("source", desired.SourceName).
			Msg("browser source created")
	}

	return c.ensureSceneNested(ctx, desired.SceneName)
}

func (c *Controller) ensureScene(ctx context.Context, sceneName string) error {
	var scenes sceneListResponse
	if err := c.call(ctx, "GetSceneList", nil, &scenes); err != nil {
		return err
	}
	for _, s := range scenes.Scenes {
		if s.SceneName == sceneName {
			return nil
		}
	}
	return c.call(ctx, "CreateScene", map[string]any{"sceneName": sceneName}, nil)
}

// ensureBrowserSource creates the source if absent, or patches url, width,
// and height when they diverge. Returns whether the source was created.
func (c *Controller) ensureBrowserSource(ctx context.Context, desired DesiredState) (bool, error) {
	var settings inputSettingsResponse
	err := c.call(ctx, "GetInputSettings", map[string]any{"inputName": desired.SourceName}, &settings)

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		// Source does not exist yet.
		createSettings := browserSettings{
			URL:               desired.URL,
			Width:             desired.Width,
			Height:            desired.Height,
			FPS:               60,
			FPSCustom:         true,
			RerouteAudio:      true,
			RestartWhenActive: true,
			ShutdownInactive:  true,
			WebpageControl:    2,
		}
		if err := c.call(ctx, "CreateInput", map[string]any{
			"sceneName":     desired.SceneName,
			"inputName":     desired.SourceName,
			"inputKind":     browserSourceKind,
			"inputSettings": createSettings,
		}, nil); err != nil {
			return false, err
		}
		// Route clip audio to both the stream and the streamer's monitor.
		if err := c.call(ctx, "SetInputAudioMonitorType", map[string]any{
			"inputName":   desired.SourceName,
			"monitorType": "OBS_WEBSOCKET_MONITOR_TYPE_MONITOR_AND_OUTPUT",
		}, nil); err != nil {
			logger := log.WithComponentFromContext(ctx, "obs")
			logger.Warn().Err(err).
				Str("event", "obs.audio_monitor_failed").
				Msg("could not set audio monitoring on browser source")
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	current := settings.InputSettings
	if current.URL == desired.URL && current.Width == desired.Width && current.Height == desired.Height {
		return false, nil
	}

	patch := browserSettings{URL: desired.URL, Width: desired.Width, Height: desired.Height}
	if err := c.call(ctx, "SetInputSettings", map[string]any{
		"inputName":     desired.SourceName,
		"inputSettings": patch,
		"overlay":       true,
	}, nil); err != nil {
		return false, err
	}
	return false, c.RefreshBrowserSource(ctx, desired.SourceName)
}

// ensureSceneNested adds the managed scene as an item of the current
// program scene when it is not already there.
func (c *Controller) ensureSceneNested(ctx context.Context, sceneName string) error {
	var current currentSceneResponse
	if err := c.call(ctx, "GetCurrentProgramScene", nil, &current); err != nil {
		return err
	}
	if current.CurrentProgramSceneName == "" || current.CurrentProgramSceneName == sceneName {
		return nil
	}

	var item sceneItemIDResponse
	err := c.call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  current.CurrentProgramSceneName,
		"sourceName": sceneName,
	}, &item)
	if err == nil {
		return nil
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return err
	}

	return c.call(ctx, "CreateSceneItem", map[string]any{
		"sceneName":  current.CurrentProgramSceneName,
		"sourceName": sceneName,
	}, nil)
}

// SetBrowserSourceURL updates the source URL without touching visibility.
func (c *Controller) SetBrowserSourceURL(ctx context.Context, sourceName, rawURL string) error {
	return c.call(ctx, "SetInputSettings", map[string]any{
		"inputName":     sourceName,
		"inputSettings": map[string]any{"url": rawURL},
		"overlay":       true,
	}, nil)
}

// RefreshBrowserSource forces the embedded browser to reload its page.
func (c *Controller) RefreshBrowserSource(ctx context.Context, sourceName string) error {
	return c.call(ctx, "PressInputPropertiesButton", map[string]any{
		"inputName":    sourceName,
		"propertyName": "refreshnocache",
	}, nil)
}

// SetSourceVisibility toggles the source's scene item. Idempotent.
func (c *Controller) SetSourceVisibility(ctx context.Context, sceneName, sourceName string, visible bool) error {
	var item sceneItemIDResponse
	if err := c.call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  sceneName,
		"sourceName": sourceName,
	}, &item); err != nil {
		return err
	}
	return c.call(ctx, "SetSceneItemEnabled", map[string]any{
		"sceneName":        sceneName,
		"sceneItemId":      item.SceneItemID,
		"sceneItemEnabled": visible,
	}, nil)
}

// ObserveState captures the managed source's current URL and geometry plus
// the scene nesting, for drift comparison.
func (c *Controller) ObserveState(ctx context.Context, desired DesiredState) (ObservedState, error) {
	var settings inputSettingsResponse
	if err := c.call(ctx, "GetInputSettings", map[string]any{"inputName": desired.SourceName}, &settings); err != nil {
		return ObservedState{}, err
	}

	obs := ObservedState{
		URL:    settings.InputSettings.URL,
		Width:  settings.InputSettings.Width,
		Height: settings.InputSettings.Height,
	}

	var item sceneItemIDResponse
	if err := c.call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  desired.SceneName,
		"sourceName": desired.SourceName,
	}, &item); err == nil {
		obs.InScene = true
	}

	var current currentSceneResponse
	if err := c.call(ctx, "GetCurrentProgramScene", nil, &current); err == nil {
		if current.CurrentProgramSceneName == desired.SceneName {
			obs.SceneInActive = true
		} else if err := c.call(ctx, "GetSceneItemId", map[string]any{
			"sceneName":  current.CurrentProgramSceneName,
			"sourceName": desired.SceneName,
		}, &item); err == nil {
			obs.SceneInActive = true
		}
	}

	return obs, nil
}
