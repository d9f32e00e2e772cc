// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchDataDirFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	var fired int32

	w, err := WatchDataDir(dir, func() { atomic.AddInt32(&fired, 1) }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("hi"), 0640))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, 3*time.Second, 20*time.Millisecond, "onChange should fire after debounce")
}
