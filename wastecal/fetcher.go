package wastecal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultFeedURL   = "https://stadtplan.dresden.de/project/cardo3Apps/IDU_DDStadtplan/abfall/ical.ashx"
	feedDateLayout   = "02.01.2006"
	maxFeedBodyBytes = 8 << 20
)

// Fetcher retrieves the raw calendar document of one address for a date range.
type Fetcher interface {
	Fetch(ctx context.Context, addressKey int64, start time.Time, end time.Time) (string, error)
}

type HTTPFetcher struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration, userAgent string) *HTTPFetcher {
	if baseURL == "" {
		baseURL = DefaultFeedURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{baseURL: baseURL, userAgent: userAgent, client: newHTTPClient(timeout)}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Fetch never returns an empty success; every failure is a *DownloadError.
func (f *HTTPFetcher) Fetch(ctx context.Context, addressKey int64, start time.Time, end time.Time) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", &DownloadError{AddressKey: addressKey, Err: err}
	}
	q := u.Query()
	q.Set("STANDORT", strconv.FormatInt(addressKey, 10))
	q.Set("DATUM_VON", start.Format(feedDateLayout))
	q.Set("DATUM_BIS", end.Format(feedDateLayout))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &DownloadError{AddressKey: addressKey, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/calendar, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &DownloadError{AddressKey: addressKey, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &DownloadError{
			AddressKey: addressKey,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodyBytes))
	if err != nil {
		return "", &DownloadError{AddressKey: addressKey, Err: err}
	}
	return string(body), nil
}
