package images

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveImageWritesFileAndURL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskSink(dir, "http://localhost:8317/")
	require.NoError(t, err)

	url, err := s.SaveImage([]byte("png-bytes"), "image/png")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8317/images/"))
	require.True(t, strings.HasSuffix(url, ".png"))

	name := url[strings.LastIndex(url, "/")+1:]
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(data))
}

func TestSaveBase64(t *testing.T) {
	s, err := NewDiskSink(t.TempDir(), "")
	require.NoError(t, err)

	url, err := SaveBase64(s, "aGVsbG8=", "image/jpeg")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(url, ".jpg"))

	_, err = SaveBase64(s, "not base64 ///", "image/jpeg")
	require.Error(t, err)
}

func TestExtByMime(t *testing.T) {
	require.Equal(t, ".webp", extFor("image/webp"))
	require.Equal(t, ".gif", extFor("image/gif"))
	require.Equal(t, ".png", extFor("application/octet-stream"))
}
