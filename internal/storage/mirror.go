package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxBytes = 256 << 20

// Mirror copies provider results into the bucket so delivered links outlive the provider's.
type Mirror struct {
	uploader   *Uploader
	prefix     string
	httpClient *http.Client
	maxBytes   int64
}

func NewMirror(uploader *Uploader, prefix string, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Mirror{
		uploader:   uploader,
		prefix:     prefix,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   defaultMaxBytes,
	}
}

// Save downloads sourceURL and uploads it under the mirror's prefix. key only namespaces the object.
func (m *Mirror) Save(ctx context.Context, key int64, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download result: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return "", fmt.Errorf("result larger than %d bytes", m.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return m.uploader.Upload(ctx, fmt.Sprintf("%s/%d", m.prefix, key), data, contentType)
}
