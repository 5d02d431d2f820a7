package syncer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func relPaths(files []LocalFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.RelPath)
	}
	sort.Strings(out)
	return out
}

func TestScanWalksRecursively(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "docs/b.md", "bravo")
	writeFile(t, root, "docs/deep/c.bin", "charlie")

	files, err := Scan(context.Background(), root, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "docs/b.md", "docs/deep/c.bin"}, relPaths(files))

	for _, f := range files {
		if f.RelPath == "docs/b.md" {
			assert.Equal(t, int64(5), f.Size)
			assert.Equal(t, filepath.Join(root, "docs", "b.md"), f.Path)
			assert.False(t, f.ModTime.IsZero())
		}
	}
}

func TestScanSkipsSymlinksAndExcludes(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "real.txt", "data")
	writeFile(t, root, "video.mp4.partial", "staging")
	writeFile(t, root, ".git/config", "x")
	writeFile(t, root, "build/out.o", "x")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.txt")))

	files, err := Scan(context.Background(), root, []string{"*.partial", ".git", "build/*"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, relPaths(files))
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestScanSkipsUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}

	root := t.TempDir()
	writeFile(t, root, "ok.txt", "fine")
	writeFile(t, root, "locked/secret.txt", "hidden")
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	files, err := Scan(context.Background(), root, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, relPaths(files))
}

func TestScanHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Scan(ctx, root, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
}
