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

// Package fsutil provides crash-safe file writes for stepwise's persisted documents.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// renameFunc is swapped in tests to force the fallback path.
var renameFunc = os.Rename

// WriteFileAtomic writes content to path through a temp file in the same
// directory followed by a rename, so a crash never leaves a half-written file
// at path. If the atomic path itself fails (temp file cannot be created or the
// rename is refused), it falls back to overwriting path directly. Only when
// both fail is an error returned.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	atomicErr := writeViaRename(path, parent, content, mode)
	if atomicErr == nil {
		syncDir(parent)
		return nil
	}

	// #nosec G304 -- path is derived from the configured working root.
	if err := writeDirect(path, content, mode); err != nil {
		return fmt.Errorf("atomic write failed (%v), direct write failed: %w", atomicErr, err)
	}
	return nil
}

// WriteJSON marshals value with indentation and writes it atomically.
func WriteJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	payload = append(payload, '\n')
	return WriteFileAtomic(path, payload, 0o600)
}

func writeViaRename(path, parent string, content []byte, mode os.FileMode) error {
	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := renameFunc(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanup = false
	return nil
}

func writeDirect(path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	// #nosec G304 -- parent directory of a path we just wrote.
	if handle, err := os.Open(dir); err == nil {
		_ = handle.Sync()
		_ = handle.Close()
	}
}
