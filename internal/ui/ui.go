// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui formats CLI output for cmd/ldmd, coloring when stdout is a
// terminal and falling back to plain text for pipes/redirects or --json.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var isTTY = isatty.IsTerminal(os.Stdout.Fd())

var (
	ok    = color.New(color.FgGreen, color.Bold)
	warn  = color.New(color.FgYellow, color.Bold)
	bad   = color.New(color.FgRed, color.Bold)
	faint = color.New(color.Faint)
)

// Enabled reports whether color output is active for this process.
func Enabled() bool { return isTTY && os.Getenv("NO_COLOR") == "" }

func render(c *color.Color, format string, args ...any) string {
	if !Enabled() {
		return fmt.Sprintf(format, args...)
	}
	return c.Sprintf(format, args...)
}

// OK renders a success-styled line, e.g. a tier=exact search hit.
func OK(format string, args ...any) string { return render(ok, format, args...) }

// Warn renders a caution-styled line, e.g. stale_count > 0.
func Warn(format string, args ...any) string { return render(warn, format, args...) }

// Bad renders an error-styled line, e.g. IndexCorrupt or Locked.
func Bad(format string, args ...any) string { return render(bad, format, args...) }

// Faint renders a de-emphasized line, e.g. timestamps and ids.
func Faint(format string, args ...any) string { return render(faint, format, args...) }

// Println writes a line to stdout, bypassing color entirely for --json runs.
func Println(a ...any) { fmt.Println(a...) }
