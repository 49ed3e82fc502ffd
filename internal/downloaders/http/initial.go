package danzohttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tanq16/danzoq/internal/utils"
)

// ProbeResult is what a headers-only GET reveals about a resource.
type ProbeResult struct {
	FinalURL     string
	StatusCode   int
	TotalBytes   int64 // -1 when the server sends no Content-Length
	AcceptRanges bool
	Filename     string
}

// Probe issues a GET, reads only the response headers and closes the body.
// Redirects are resolved here once so connections hit the final location.
// A status other than 200 or 206 yields ErrInvalidResource together with a
// result carrying the status code.
func Probe(ctx context.Context, client *utils.HTTPClient, link string) (*ProbeResult, error) {
	if err := utils.ValidateURL(link); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		FinalURL:     resp.Request.URL.String(),
		StatusCode:   resp.StatusCode,
		TotalBytes:   -1,
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		Filename:     utils.FilenameFromResponse(resp),
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return result, fmt.Errorf("%w: server returned %d", utils.ErrInvalidResource, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		result.TotalBytes = resp.ContentLength
	}
	return result, nil
}

// planConnections shrinks the requested parallelism so every connection has
// at least one buffer worth of bytes. It never grows the request.
func planConnections(requested int, total int64, rangesSupported bool, bufferSize int) int {
	if requested <= 1 || total <= 0 || !rangesSupported {
		return 1
	}
	if total < int64(requested)*int64(bufferSize) {
		return int(max(1, total/int64(bufferSize)))
	}
	return requested
}

// partition splits [0,total) into n contiguous ranges; the last one absorbs
// the remainder of the integer division.
func partition(total int64, n int) []byteRange {
	if total < 0 {
		return []byteRange{{Start: 0, End: -1}}
	}
	n = max(n, 1)
	size := total / int64(n)
	ranges := make([]byteRange, n)
	for i := range n {
		ranges[i] = byteRange{Start: size * int64(i), End: size * int64(i+1)}
	}
	ranges[n-1].End = total
	return ranges
}

func (r byteRange) length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start
}
