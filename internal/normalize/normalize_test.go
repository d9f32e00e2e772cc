// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotent(t *testing.T) {
	cases := []string{
		"Hello, world",
		"Line one\r\nLine two\r\n",
		"lone\rcr",
		"color: &lt;PAColor=FF0000&gt;text&lt;/PAColor&gt;",
		"mixed &lt;PAColor=FF0000&gt; and <PAColor=00FF00> in one string",
		"trailing spaces   \t ",
		"{placeholder} and <StringId/> stay opaque",
		"",
	}
	for _, c := range cases {
		once := Normalize(c)
		twice := Normalize(once)
		require.Equal(t, once, twice, "normalize must be idempotent for %q", c)
	}
}

func TestCollapsesWindowsNewlines(t *testing.T) {
	require.Equal(t, "a"+NewlineMarker+"b", Normalize("a\r\nb"))
	require.Equal(t, "a"+NewlineMarker+"b", Normalize("a\rb"))
}

func TestStripsSpreadsheetCREscape(t *testing.T) {
	require.Equal(t, "hello world", Normalize("hello_x000D_ world"))
}

func TestUnescapesHTMLColorTagsBeforeNewlineCollapse(t *testing.T) {
	got := Normalize("&lt;PAColor=FF0000&gt;red&lt;/PAColor&gt;")
	require.Equal(t, "<PAColor=FF0000>red</PAColor>", got)
}

func TestPreservesTagTokensVerbatim(t *testing.T) {
	s := "{0} items <PAColor=FF0000>red<PAOldColor> <StringId/>"
	require.Equal(t, s, Normalize(s))
}

func TestTrimsOnlyTrailingWhitespace(t *testing.T) {
	require.Equal(t, "a  b", Normalize("a  b   "))
}

func TestLinesSplitsAndDropsEmpty(t *testing.T) {
	canon := Normalize("first\r\n\r\nsecond")
	require.Equal(t, []string{"first", "second"}, Lines(canon))
}
