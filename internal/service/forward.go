package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
)

const forwardTimeout = 30 * time.Second

// Forwarder posts stored scan reports to an external collector.
type Forwarder struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

func NewForwarder(serverURL, token string) (*Forwarder, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the forward url with a http(s) scheme and a host, e.g. `https://some-url.com/reports`")
	}
	return &Forwarder{
		requestURL: parsedURL,
		token:      token,
		client:     &http.Client{Timeout: forwardTimeout},
	}, nil
}

func (f *Forwarder) Forward(ctx context.Context, report *model.ScanReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := f.decodeResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "Report forwarded successfully.", slog.String("report_id", report.ID))
	return nil
}

func (f *Forwarder) decodeResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType == "application/problem+json" {
			var problemDetail struct {
				Detail string `json:"detail"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
				return fmt.Errorf("decoding json response failed: %w", err)
			}
			return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}

// Close releases idle connections to the collector.
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}
