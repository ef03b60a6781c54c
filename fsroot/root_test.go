package fsroot

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/wire"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	root, err := NewRoot(t.TempDir(), nil)
	require.NoError(t, err)
	return root
}

func tftpCode(t *testing.T, err error) wire.ErrorCode {
	t.Helper()
	require.Error(t, err)
	return wire.AsTFTPError(err).Code
}

func TestResolveSimpleFile(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "hello.txt"), []byte("test"), 0o644))

	path, err := root.Resolve("hello.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Dir(), "hello.txt"), path)
}

func TestResolveSubdirectory(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root.Dir(), "sub", "deep"), 0o755))

	path, err := root.Resolve("sub/deep/file.cfg", false)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, filepath.Join(root.Dir(), "sub", "deep", "file.cfg"), path)
}

func TestResolveRejections(t *testing.T) {
	root := newTestRoot(t)

	tests := []struct {
		name     string
		filename string
	}{
		{name: "empty", filename: ""},
		{name: "absolute", filename: "/etc/passwd"},
		{name: "dotdot_leading", filename: "../etc/passwd"},
		{name: "dotdot_nested", filename: "sub/../../etc/passwd"},
		{name: "dotdot_only", filename: ".."},
		{name: "dot_segment", filename: "./file"},
		{name: "dot_only", filename: "."},
		{name: "empty_segment", filename: "a//b"},
		{name: "trailing_slash", filename: "a/"},
		{name: "nul_byte", filename: "file\x00name"},
		{name: "control_byte", filename: "file\x01name"},
		{name: "newline", filename: "file\nname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.Resolve(tt.filename, false)
			assert.Equal(t, wire.ErrAccessViolation, tftpCode(t, err))
		})
	}
}

func TestResolveWriteCreatesIntermediateDirs(t *testing.T) {
	root := newTestRoot(t)

	path, err := root.Resolve("a/b/c.cfg", true)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolveReadDoesNotCreateDirs(t *testing.T) {
	root := newTestRoot(t)

	_, err := root.Resolve("a/b/c.cfg", false)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root.Dir(), "a"))
	assert.True(t, os.IsNotExist(statErr), "read resolution must not create directories")
}

func TestResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink test requires unix")
	}
	root := newTestRoot(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root.Dir(), "leak")))

	_, err := root.Resolve("leak/secret.txt", false)
	assert.Equal(t, wire.ErrAccessViolation, tftpCode(t, err))
}

func TestOpenReadMissingFile(t *testing.T) {
	root := newTestRoot(t)

	_, _, err := root.OpenRead("missing.bin")
	assert.Equal(t, wire.ErrFileNotFound, tftpCode(t, err))
}

func TestOpenReadReturnsSize(t *testing.T) {
	root := newTestRoot(t)
	content := []byte("hi\n")
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "hello.txt"), content, 0o644))

	f, size, err := root.OpenRead("hello.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(content)), size)
}

func TestCreateUploadTempAndRename(t *testing.T) {
	root := newTestRoot(t)

	tmp, dest, err := root.CreateUpload("up/load.bin")
	require.NoError(t, err)

	_, err = tmp.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, tmp.Sync())
	require.NoError(t, tmp.Close())

	// The destination must not exist until the rename.
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, root.FS().Rename(tmp.Name(), dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestCreateUploadDistinctTempNames(t *testing.T) {
	root := newTestRoot(t)

	tmp1, _, err := root.CreateUpload("same.bin")
	require.NoError(t, err)
	tmp2, _, err := root.CreateUpload("same.bin")
	require.NoError(t, err)
	defer tmp1.Close()
	defer tmp2.Close()

	assert.NotEqual(t, tmp1.Name(), tmp2.Name(),
		"concurrent uploads to one filename need distinct temp files")
}
