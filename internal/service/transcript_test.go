package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/hopshell/internal/config"
)

func testMeta() TranscriptMeta {
	return TranscriptMeta{
		BatchID: "b-1",
		RunID:   "r-1",
		Target:  "ops@gateway/db1",
		Started: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
	}
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t,
		[]string{"transcripts", "ops_gateway_db1", "20240501_083000", "b-1", "r-1.log"},
		testMeta().objectPath("/transcripts/"))

	meta := testMeta()
	meta.BatchID = ""
	meta.Target = "!!"
	assert.Equal(t, []string{"unknown", "20240501_083000", "r-1.log"}, meta.objectPath(""))
}

// TestLocalTranscriptWriter 本地写入的路径、权限和校验和
func TestLocalTranscriptWriter(t *testing.T) {
	base := t.TempDir()
	w := NewTranscriptWriter(config.TranscriptConfig{Backend: "local", BaseDir: base, Prefix: "transcripts"}, config.MinioConfig{})

	obj, err := w.Write(context.Background(), testMeta(), []byte("ops@gw:~$ ls\n"))
	require.NoError(t, err)
	want := filepath.Join(base, "transcripts", "ops_gateway_db1", "20240501_083000", "b-1", "r-1.log")
	assert.Equal(t, "file://"+want, obj.URI)
	assert.Equal(t, int64(13), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))

	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestMinioFallback minio 配置不完整时回退到本地并返回说明
func TestMinioFallback(t *testing.T) {
	base := t.TempDir()
	w := NewTranscriptWriter(config.TranscriptConfig{Backend: "minio", BaseDir: base}, config.MinioConfig{})

	obj, err := w.Write(context.Background(), testMeta(), []byte("x"))
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(obj.URI, "file://"+base), obj.URI)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "root_10.0.0.1", slug("root@10.0.0.1"))
	assert.Equal(t, "a_b_c", slug(" A/B:C "))
	assert.Equal(t, "unknown", slug("..."))
}
