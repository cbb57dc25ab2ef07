package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/nerdjs/sandboxd/internal/wire"
)

// clientEnvelope mirrors internal/bridge's (unexported) envelope shape.
// The `stats` subcommand is a plain client of the bridge protocol, not a
// daemon component, so it speaks the wire format directly rather than
// importing internal/bridge's server-side Session type.
type clientEnvelope struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func queryStats(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	env, err := json.Marshal(clientEnvelope{Method: "getStats"})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, &wire.Frame{Kind: wire.KindCall, CorrelationID: 1, Payload: env}); err != nil {
		return fmt.Errorf("write getStats call: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var respEnv clientEnvelope
	if err := json.Unmarshal(f.Payload, &respEnv); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if f.Kind == wire.KindResponseErr {
		return fmt.Errorf("getStats failed: %s", string(respEnv.Error))
	}

	var pretty map[string]any
	if err := json.Unmarshal(respEnv.Result, &pretty); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
