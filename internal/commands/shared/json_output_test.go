// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"bytes"
	"encoding/json"
	"testing"
)

// captureJSON runs fn with EmitJSON redirected to a buffer.
func captureJSON(t *testing.T, fn func()) []byte {
	t.Helper()
	var buf bytes.Buffer
	orig := jsonOut
	jsonOut = &buf
	t.Cleanup(func() { jsonOut = orig })
	fn()
	return buf.Bytes()
}

func TestEmitJSONError(t *testing.T) {
	out := captureJSON(t, func() {
		if err := EmitJSONError("run", []JSONError{{Code: ErrorCodeAlreadyRunning, Message: "job A already running"}}); err != nil {
			t.Errorf("EmitJSONError failed: %v", err)
		}
	})

	var resp struct {
		Version string      `json:"@version"`
		Command string      `json:"command"`
		Success bool        `json:"success"`
		Errors  []JSONError `json:"errors"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if resp.Version != JSONSchemaVersion {
		t.Errorf("expected version %s, got %q", JSONSchemaVersion, resp.Version)
	}
	if resp.Success {
		t.Error("expected success false")
	}
	if resp.Command != "run" {
		t.Errorf("expected command run, got %q", resp.Command)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Code != ErrorCodeAlreadyRunning {
		t.Errorf("unexpected errors: %+v", resp.Errors)
	}
}

func TestEmitJSON(t *testing.T) {
	out := captureJSON(t, func() {
		_ = EmitJSON(map[string]any{"job_id": "A", "next_step": 2})
	})
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got["job_id"] != "A" {
		t.Errorf("unexpected output %v", got)
	}
}
