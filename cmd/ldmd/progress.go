// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// newProgressBar renders a sync/rebuild progress bar to stderr so
// stdout stays clean for --json piping, matching the teacher's
// index.go progress rendering.
func newProgressBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWidth(30),
	)
}

// phaseDescription renders one of C6's sync phases (prepare/embed/
// index/persist) as a human label for the progress bar.
func phaseDescription(phase string) string {
	switch phase {
	case "prepare":
		return "Preparing entries"
	case "embed":
		return "Embedding"
	case "index":
		return "Indexing"
	case "persist":
		return "Persisting"
	default:
		return phase
	}
}
