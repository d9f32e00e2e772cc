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

// Package normalize implements C2, the TM Normalizer: the single
// canonicalization function whose output is the only key used for exact
// match (C3) and the only input to embedding (C4). Must stay idempotent —
// see TestIdempotent.
package normalize

import (
	"regexp"
	"strings"
)

// NewlineMarker is the literal sequence the store uses in place of any
// newline found in source text, so hashing/embedding treats all line
// endings uniformly regardless of how the row file encoded them.
const NewlineMarker = "\\n"

// crMarker is the spreadsheet escape some exporters use in place of a
// literal carriage return inside a single TSV cell.
const crMarker = "_x000D_"

var (
	// htmlColorTag matches an HTML-entity-escaped color tag, e.g.
	// "&lt;PAColor=FF0000&gt;" — produced when a spreadsheet round-trip
	// HTML-escapes the raw tag markers LDM otherwise preserves verbatim.
	htmlColorTag = regexp.MustCompile(`&lt;(/?PA(?:Old)?Color[^&]*)&gt;`)

	// crlf / lone-cr both collapse to NewlineMarker; CRLF first so a
	// CRLF pair is never double-counted.
	crlf  = regexp.MustCompile(`\r\n`)
	loneCR = regexp.MustCompile(`\r`)

	// trailingAmbient trims only trailing run-whitespace; internal
	// spacing (including runs between words) must never be collapsed —
	// it may be structurally significant in the source string.
	trailingAmbient = regexp.MustCompile(`[ \t]+$`)
)

// Normalize canonicalizes source/query text for hashing and embedding.
//
// Rules, applied in this order (spec §4.2, Open Question 1 in spec §9):
//  1. Strip the spreadsheet carriage-return pseudo-escape.
//  2. Unescape HTML-encoded color tags back to raw form BEFORE the
//     newline collapse, so a source mixing "&lt;PAColor...&gt;" and a
//     raw "<PAColor...>" converges on one canonical tag form prior to
//     hashing — resolving spec §9 Open Question 1 in favor of
//     "HTML-unescape first, then everything else treats tags as opaque
//     atoms already in their canonical (raw) shape."
//  3. Collapse CRLF/CR to the single literal newline marker.
//  4. Brace/tag tokens ({...}, <PAColor...>...<PAOldColor>, <StringId/>)
//     are never touched by any of the above — they pass through as
//     opaque atoms by construction, since no rule here rewrites '{', '<',
//     or '>'.
//  5. Trim only trailing ambient whitespace.
func Normalize(text string) string {
	s := strings.ReplaceAll(text, crMarker, "")
	s = htmlColorTag.ReplaceAllString(s, "<$1>")
	s = crlf.ReplaceAllString(s, NewlineMarker)
	s = loneCR.ReplaceAllString(s, NewlineMarker)
	s = trailingAmbient.ReplaceAllString(s, "")
	return s
}

// Lines splits a canonical string on the literal newline marker for
// line-granularity indexing (C3/C5), dropping empty lines.
func Lines(canonical string) []string {
	parts := strings.Split(canonical, NewlineMarker)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
