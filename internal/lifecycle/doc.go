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

/*
Package lifecycle implements the per-job start lock and the process
operations around it.

# Start Lock

At most one execution of a job may be active. Every controller claims the
job's lock file before launching anything:

	locker, _ := lifecycle.NewLocker(lifecycle.LockerConfig{Dir: layout.LocksDir()})
	handle, res, err := locker.Claim(ctx, "nightly", "cli")
	if err != nil {
	    // I/O failure
	}
	if !res.Acquired {
	    // res.Reason == "already running", res.HolderPID is the holder
	}
	defer handle.ReleaseQuietly()

The lock file is created with O_EXCL and records the holder PID, the
acquisition time, an optional live log path and, where the platform reports
it, the holder's start time. A lock whose PID is gone, or whose PID now names
a different process (start time changed or, without start times, a command
line that no longer mentions the job), is stale and reclaimed by the next
claimer. Reclaim races are retried with backoff.

A detached runner takes the lock over with its own PID; a holder running
steps itself records each step's PID alongside its own:

	handle.UpdateChild(runnerPID, runnerLog)
	handle.SetStep(stepPID, stepLog)

# Process Operations

Liveness and identity checks go through ProcessInspector. SystemInspector
reads /proc on Linux and ps on macOS.

	if err := lifecycle.GracefulShutdown(pid, 10*time.Second, true); err != nil {
	    // Handle error
	}

# Process Spawning

Detached runners are started in their own session so that closing the
controller's terminal does not stop the job:

	pid, err := lifecycle.SpawnRunner(lifecycle.RunnerSpec{Binary: exe, Args: args, LogPath: logPath})

# Lifecycle Logging

Claims, refusals, stale reclaims, rewrites and releases are appended as JSON
lines by LifecycleLogger.
*/
package lifecycle
