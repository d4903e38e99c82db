package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/limiter"
	"faceingest/pkg/retry"
)

// newHTTPClient builds the client shared by every download of a run
func newHTTPClient(cfg config.FetchConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxPerHost,
		MaxConnsPerHost:       cfg.MaxPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}
}

// download fetches url with bounded retries. It returns the body, the number
// of attempts made and one diagnostic per attempt.
func (f *Fetcher) download(ctx context.Context, url string) ([]byte, int, []Diagnostic, error) {
	var (
		diags    []Diagnostic
		attempts int
	)

	data, err := retry.DoWithResult(func(attempt int) ([]byte, error) {
		attempts = attempt
		body, diag, err := f.attempt(ctx, url, attempt)
		diags = append(diags, diag)
		return body, err
	}, &retry.Config{
		MaxAttempts: f.cfg.MaxRetries,
		Backoff:     f.backoff,
		RetryIf:     retryable,
		Context:     ctx,
		Logger:      f.log,
	})
	return data, attempts, diags, err
}

func retryable(err error) bool {
	return errs.IsRetryable(errs.TypeOf(err))
}

// attempt performs a single GET and validates the body
func (f *Fetcher) attempt(ctx context.Context, url string, n int) ([]byte, Diagnostic, error) {
	start := time.Now()
	diag := Diagnostic{Attempt: n}
	finish := func(err error) Diagnostic {
		diag.Duration = time.Since(start)
		if err != nil {
			diag.Err = err.Error()
		}
		return diag
	}

	release, err := f.limiter.Acquire(ctx, limiter.HostOf(url))
	if err != nil {
		err = errs.Wrap(errs.ErrorTypeCanceled, "waiting for connection slot", err)
		return nil, finish(err), err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		err = errs.Wrap(errs.ErrorTypeMalformedInput, "build request", err)
		return nil, finish(err), err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		err = classify(ctx, "request failed", err)
		return nil, finish(err), err
	}
	defer resp.Body.Close()

	diag.StatusCode = resp.StatusCode
	if retry.IsRetryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err = errs.HTTPStatus(resp.StatusCode)
		return nil, finish(err), err
	}

	if resp.ContentLength > f.cfg.MaxImageBytes {
		err = errs.New(errs.ErrorTypeSizeLimit,
			fmt.Sprintf("content length %d exceeds limit %d", resp.ContentLength, f.cfg.MaxImageBytes))
		return nil, finish(err), err
	}

	body, err := readBody(resp.Body, f.cfg.ChunkSize, f.cfg.MaxImageBytes)
	diag.BytesRead = int64(len(body))
	if err != nil {
		if !errs.Is(err, errSizeLimit) {
			err = classify(ctx, "read body", err)
		} else {
			err = errs.Wrap(errs.ErrorTypeSizeLimit, fmt.Sprintf("body exceeds limit %d", f.cfg.MaxImageBytes), err)
		}
		return nil, finish(err), err
	}

	if len(body) < f.cfg.MinImageBytes {
		err = errs.New(errs.ErrorTypeInvalidImage, fmt.Sprintf("response too small: %d bytes", len(body)))
		return nil, finish(err), err
	}
	if detectFormat(body) == formatUnknown {
		err = errs.New(errs.ErrorTypeInvalidImage, "unrecognized image signature")
		return nil, finish(err), err
	}

	return body, finish(nil), nil
}

var errSizeLimit = errors.New("size limit exceeded")

// readBody reads r in chunk-sized pieces and stops as soon as the total
// would exceed limit
func readBody(r io.Reader, chunk int, limit int64) ([]byte, error) {
	if chunk <= 0 {
		chunk = 8192
	}
	var buf bytes.Buffer
	p := make([]byte, chunk)
	for {
		n, err := r.Read(p)
		if n > 0 {
			if int64(buf.Len()+n) > limit {
				return buf.Bytes(), errSizeLimit
			}
			buf.Write(p[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

// classify maps a transport error to a typed error. Cancellation of the
// caller's context is never retried; client timeouts are.
func classify(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.ErrorTypeCanceled, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.ErrorTypeTimeout, msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ErrorTypeTimeout, msg, err)
	}
	return errs.Wrap(errs.ErrorTypeNetwork, msg, err)
}

// failureFrom builds the Failure for an exhausted or aborted download
func failureFrom(err error, attempts int, diags []Diagnostic) *Failure {
	reason := "download failed"
	if len(diags) > 0 && diags[0].Err != "" {
		reason = diags[0].Err
	}

	status := 0
	if len(diags) > 0 {
		status = diags[len(diags)-1].StatusCode
	}
	if status != 0 && retry.IsRetryableStatus(status) {
		reason = fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}

	return &Failure{
		Reason:      reason,
		Kind:        errs.TypeOf(err),
		Attempts:    attempts,
		Diagnostics: diags,
	}
}
