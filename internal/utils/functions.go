package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)
var partIndexRegex = regexp.MustCompile(`\.(\d+)` + regexp.QuoteMeta(PartFileExt) + `$`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// ValidateURL accepts only absolute http(s) URLs.
func ValidateURL(link string) error {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// FilenameFromResponse extracts a safe file name from Content-Disposition.
func FilenameFromResponse(resp *http.Response) string {
	contentDisposition := resp.Header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameRegex.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameRegex.ReplaceAllString(unescaped, "_")
	}
	return ""
}

// OutputNameFromURL falls back to the last path segment of the link.
func OutputNameFromURL(link string) string {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	name := filepath.Base(parsedURL.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return filenameRegex.ReplaceAllString(name, "_")
}

// PartFilePath names the scratch file of one connection.
func PartFilePath(outputPath string, index int) string {
	return fmt.Sprintf("%s.%d%s", outputPath, index, PartFileExt)
}

func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListPartFiles returns the part files next to outputPath keyed by index.
func ListPartFiles(outputPath string) (map[int]string, error) {
	entries, err := os.ReadDir(filepath.Dir(outputPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[int]string{}, nil
		}
		return nil, err
	}
	prefix := filepath.Base(outputPath) + "."
	parts := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		matches := partIndexRegex.FindStringSubmatch(name)
		if len(matches) < 2 || name != prefix+matches[1]+PartFileExt {
			continue
		}
		index, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		parts[index] = filepath.Join(filepath.Dir(outputPath), name)
	}
	return parts, nil
}

// RemoveWithRetry deletes path, retrying while the file is held elsewhere.
// A missing file counts as removed.
func RemoveWithRetry(path string, attempts int, delay time.Duration) error {
	var err error
	for attempt := range max(attempts, 1) {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * delay)
		}
		err = os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	return err
}

// CleanFunction removes every part file that belongs to outputPath.
func CleanFunction(outputPath string) (int, error) {
	parts, err := ListPartFiles(outputPath)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, part := range parts {
		if err := RemoveWithRetry(part, 3, 100*time.Millisecond); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted + "/s"
}

func FormatETA(eta time.Duration) string {
	seconds := int64(eta.Seconds())
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}
