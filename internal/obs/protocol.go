// SPDX-License-Identifier: MIT

// Package obs drives OBS Studio over obs-websocket protocol version 5:
// a desired-state controller plus the supervisor that keeps the managed
// scene and browser source converged.
package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// obs-websocket v5 opcodes.
const (
	opHello        = 0
	opIdentify     = 1
	opIdentified   = 2
	opReidentify   = 3
	opEvent        = 5
	opRequest      = 6
	opResponse     = 7
	opRequestBatch = 8
)

var (
	// ErrNotConnected is returned for any call against a closed socket.
	ErrNotConnected = errors.New("obs: not connected")
	// ErrAuthFailed is returned when the identify handshake is rejected.
	ErrAuthFailed = errors.New("obs: authentication failed")
)

// RequestError surfaces a protocol-level failure verbatim.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("obs: %s failed (code %d): %s", e.RequestType, e.Code, e.Comment)
	}
	return fmt.Sprintf("obs: %s failed (code %d)", e.RequestType, e.Code)
}

// envelope is the op/d wrapper every obs-websocket message uses.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type identifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type responseData struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// authResponse derives the identify authentication string per the v5
// handshake: base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secretSum := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretSum[:])
	authSum := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(authSum[:])
}

func marshalEnvelope(op int, d any) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Op: op, D: raw})
}
