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
	"encoding/json"
	"io"
	"os"
)

// JSONSchemaVersion is bumped when a field is removed or changes meaning.
const JSONSchemaVersion = "1.0"

// jsonOut is where EmitJSON writes. Tests swap it for a buffer.
var jsonOut io.Writer = os.Stdout

// JSONResponse is the base envelope for all JSON output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// NewJSONResponse returns an envelope for command.
func NewJSONResponse(command string, success bool) JSONResponse {
	return JSONResponse{Version: JSONSchemaVersion, Command: command, Success: success}
}

// JSONError is one entry of an error envelope. Step and ExitCode are set for step failures.
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Step       *int   `json:"step,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

// EmitJSON writes response as indented JSON to stdout.
func EmitJSON(response any) error {
	encoder := json.NewEncoder(jsonOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSONError writes a failed envelope carrying errs.
func EmitJSONError(command string, errs []JSONError) error {
	return EmitJSON(struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}{
		JSONResponse: NewJSONResponse(command, false),
		Errors:       errs,
	})
}
