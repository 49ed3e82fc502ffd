package utils

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
}

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.mp4")
	touch(t, path, 1)
	assert.Equal(t, filepath.Join(dir, "video-(1).mp4"), RenewOutputPath(path))

	touch(t, filepath.Join(dir, "video-(1).mp4"), 1)
	assert.Equal(t, filepath.Join(dir, "video-(2).mp4"), RenewOutputPath(path))

	noExt := filepath.Join(dir, "README")
	assert.Equal(t, filepath.Join(dir, "README-(1)"), RenewOutputPath(noExt))
}

func TestListPartFiles(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "file.bin")
	touch(t, PartFilePath(output, 0), 10)
	touch(t, PartFilePath(output, 3), 20)
	touch(t, filepath.Join(dir, "file.bin.x.part"), 1)
	touch(t, filepath.Join(dir, "other.bin.0.part"), 1)
	touch(t, filepath.Join(dir, "file.bin.1.part.bak"), 1)
	touch(t, output, 5)

	parts, err := ListPartFiles(output)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		0: PartFilePath(output, 0),
		3: PartFilePath(output, 3),
	}, parts)

	missing, err := ListPartFiles(filepath.Join(dir, "nope", "file.bin"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestCleanFunction(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "file.bin")
	touch(t, PartFilePath(output, 0), 1)
	touch(t, PartFilePath(output, 1), 1)
	touch(t, output, 1)

	removed, err := CleanFunction(output)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, output)
	assert.NoFileExists(t, PartFilePath(output, 0))
}

func TestRemoveWithRetryIgnoresMissing(t *testing.T) {
	assert.NoError(t, RemoveWithRetry(filepath.Join(t.TempDir(), "gone"), 3, time.Millisecond))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/file.iso"))
	assert.NoError(t, ValidateURL("http://127.0.0.1:8080/a?b=c"))
	for _, link := range []string{"ftp://example.com/file", "example.com/file", "http://", "://broken"} {
		assert.ErrorIs(t, ValidateURL(link), ErrInvalidURL, link)
	}
}

func TestOutputNameFromURL(t *testing.T) {
	assert.Equal(t, "file.iso", OutputNameFromURL("https://example.com/pub/file.iso?token=1"))
	assert.Equal(t, "download", OutputNameFromURL("https://example.com/"))
	assert.Equal(t, "my_file_.zip", OutputNameFromURL("https://example.com/my%3Cfile%3E.zip"))
}

func TestFilenameFromResponse(t *testing.T) {
	resp := func(value string) *http.Response {
		return &http.Response{Header: http.Header{"Content-Disposition": []string{value}}}
	}
	assert.Equal(t, "report.pdf", FilenameFromResponse(resp(`attachment; filename="report.pdf"`)))
	assert.Equal(t, "caf_.txt", FilenameFromResponse(resp(`attachment; filename*=UTF-8''caf%C3%A9.txt`)))
	assert.Equal(t, "", FilenameFromResponse(resp("inline")))
	assert.Equal(t, "", FilenameFromResponse(&http.Response{Header: http.Header{}}))
}

func TestParseHeaderArgs(t *testing.T) {
	headers := ParseHeaderArgs([]string{"Authorization: Bearer x:y", "broken", " X-Key :value "})
	assert.Equal(t, map[string]string{"Authorization": "Bearer x:y", "X-Key": "value"}, headers)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "2.00 GB", FormatBytes(2<<30))
	assert.Equal(t, "1.00 MB/s", FormatSpeed(2<<20, 2))
	assert.Equal(t, "0 B/s", FormatSpeed(100, 0))
	assert.Equal(t, "42s", FormatETA(42*time.Second))
	assert.Equal(t, "2m 5s", FormatETA(125*time.Second))
	assert.Equal(t, "1h 1m", FormatETA(3661*time.Second))
}
