// SPDX-License-Identifier: MIT

package obs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// mockOBS is a scripted obs-websocket v5 server for tests: it completes the
// identify handshake and serves requests from in-memory scene/input state.
type mockOBS struct {
	t        *testing.T
	server   *httptest.Server
	password string

	mu       sync.Mutex
	scenes   map[string]map[string]int // scene -> source -> item id
	inputs   map[string]browserSettings
	enabled  map[int]bool
	current  string
	nextItem int
	calls    map[string]int
	conns    []*websocket.Conn
}

func newMockOBS(t *testing.T, password string) *mockOBS {
	m := &mockOBS{
		t:        t,
		password: password,
		scenes:   map[string]map[string]int{"Main": {}},
		inputs:   map[string]browserSettings{},
		enabled:  map[int]bool{},
		current:  "Main",
		nextItem: 1,
		calls:    map[string]int{},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockOBS) hostPort() (string, int) {
	u, err := url.Parse(m.server.URL)
	if err != nil {
		m.t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return u.Hostname(), port
}

func (m *mockOBS) callCount(requestType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[requestType]
}

func (m *mockOBS) setInput(name string, s browserSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[name] = s
}

func (m *mockOBS) input(name string) (browserSettings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inputs[name]
	return s, ok
}

func (m *mockOBS) itemEnabled(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[id]
}

func (m *mockOBS) dropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *mockOBS) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	hello := map[string]any{
		"obsWebSocketVersion": "5.4.2",
		"rpcVersion":          1,
	}
	if m.password != "" {
		hello["authentication"] = map[string]string{"challenge": "chal", "salt": "salt"}
	}
	if err := writeEnvelope(conn, opHello, hello); err != nil {
		return
	}

	var identify envelope
	if err := conn.ReadJSON(&identify); err != nil || identify.Op != opIdentify {
		_ = conn.Close()
		return
	}
	if m.password != "" {
		var id identifyData
		_ = json.Unmarshal(identify.D, &id)
		if id.Authentication != authResponse(m.password, "salt", "chal") {
			_ = conn.Close()
			return
		}
	}
	if err := writeEnvelope(conn, opIdentified, map[string]any{"negotiatedRpcVersion": 1}); err != nil {
		return
	}

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Op != opRequest {
			continue
		}
		var req requestData
		if err := json.Unmarshal(env.D, &req); err != nil {
			continue
		}
		resp := m.dispatch(req)
		if err := writeJSONEnvelope(conn, opResponse, resp); err != nil {
			return
		}
	}
}

func (m *mockOBS) dispatch(req requestData) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.RequestType]++

	params := map[string]any{}
	if raw, err := json.Marshal(req.RequestData); err == nil {
		_ = json.Unmarshal(raw, &params)
	}
	str := func(key string) string {
		v, _ := params[key].(string)
		return v
	}

	ok := func(data map[string]any) map[string]any {
		return map[string]any{
			"requestType":   req.RequestType,
			"requestId":     req.RequestID,
			"requestStatus": map[string]any{"result": true, "code": 100},
			"responseData":  data,
		}
	}
	fail := func(code int, comment string) map[string]any {
		return map[string]any{
			"requestType":   req.RequestType,
			"requestId":     req.RequestID,
			"requestStatus": map[string]any{"result": false, "code": code, "comment": comment},
		}
	}

	switch req.RequestType {
	case "GetSceneList":
		scenes := make([]map[string]any, 0, len(m.scenes))
		for name := range m.scenes {
			scenes = append(scenes, map[string]any{"sceneName": name})
		}
		return ok(map[string]any{"scenes": scenes})

	case "CreateScene":
		m.scenes[str("sceneName")] = map[string]int{}
		return ok(nil)

	case "GetCurrentProgramScene":
		return ok(map[string]any{"currentProgramSceneName": m.current})

	case "GetInputSettings":
		settings, exists := m.inputs[str("inputName")]
		if !exists {
			return fail(600, "no input with that name")
		}
		return ok(map[string]any{"inputSettings": settings})

	case "CreateInput":
		var settings browserSettings
		if raw, err := json.Marshal(params["inputSettings"]); err == nil {
			_ = json.Unmarshal(raw, &settings)
		}
		name := str("inputName")
		m.inputs[name] = settings
		scene := str("sceneName")
		if m.scenes[scene] == nil {
			m.scenes[scene] = map[string]int{}
		}
		m.scenes[scene][name] = m.nextItem
		m.enabled[m.nextItem] = true
		m.nextItem++
		return ok(nil)

	case "SetInputSettings":
		name := str("inputName")
		current, exists := m.inputs[name]
		if !exists {
			return fail(600, "no input with that name")
		}
		var patch browserSettings
		if raw, err := json.Marshal(params["inputSettings"]); err == nil {
			_ = json.Unmarshal(raw, &patch)
		}
		if patch.URL != "" {
			current.URL = patch.URL
		}
		if patch.Width != 0 {
			current.Width = patch.Width
		}
		if patch.Height != 0 {
			current.Height = patch.Height
		}
		m.inputs[name] = current
		return ok(nil)

	case "SetInputAudioMonitorType", "PressInputPropertiesButton":
		return ok(nil)

	case "GetSceneItemId":
		scene, exists := m.scenes[str("sceneName")]
		if !exists {
			return fail(600, "no scene with that name")
		}
		id, exists := scene[str("sourceName")]
		if !exists {
			return fail(600, "no scene item with that source")
		}
		return ok(map[string]any{"sceneItemId": id})

	case "CreateSceneItem":
		scene := str("sceneName")
		if m.scenes[scene] == nil {
			return fail(600, "no scene with that name")
		}
		m.scenes[scene][str("sourceName")] = m.nextItem
		m.enabled[m.nextItem] = true
		m.nextItem++
		return ok(map[string]any{"sceneItemId": m.nextItem - 1})

	case "SetSceneItemEnabled":
		id := int(toFloat(params["sceneItemId"]))
		enabled, _ := params["sceneItemEnabled"].(bool)
		m.enabled[id] = enabled
		return ok(nil)

	default:
		return fail(204, "unknown request type "+req.RequestType)
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func writeEnvelope(conn *websocket.Conn, op int, d any) error {
	msg, err := marshalEnvelope(op, d)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// writeJSONEnvelope wraps pre-shaped response maps.
func writeJSONEnvelope(conn *websocket.Conn, op int, d map[string]any) error {
	return writeEnvelope(conn, op, d)
}
