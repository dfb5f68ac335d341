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

package errors

import "errors"

// UserVisibleError defines errors that should be displayed to end users
// with user-friendly messages and actionable suggestions.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	UserMessage() string

	// Suggestion returns actionable guidance for resolving the error.
	// Returns empty string if no suggestion is available.
	Suggestion() string
}

// SuggestionFor walks err's chain and returns the suggestion of the first
// visible UserVisibleError, or "" if there is none.
func SuggestionFor(err error) string {
	for err != nil {
		if uv, ok := err.(UserVisibleError); ok {
			if uv.IsUserVisible() {
				return uv.Suggestion()
			}
			return ""
		}
		err = errors.Unwrap(err)
	}
	return ""
}
