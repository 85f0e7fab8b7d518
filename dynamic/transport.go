package dynamic

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// authTransport attaches the manager's credential and retries exactly once
// with a re-acquired credential when the downstream rejects it.
type authTransport struct {
	manager *Manager
	base    http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	cred, err := t.manager.Credential(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, cred)
	if err != nil || !isAuthFailure(resp.StatusCode) {
		return resp, err
	}

	retry, err := rewind(req)
	if err != nil {
		// Body cannot be replayed, hand the rejection to the caller.
		t.manager.Invalidate(cred)
		return resp, nil
	}
	discard(resp)

	t.manager.logger.Info("Dynamic auth: %s %s rejected with %d, re-acquiring credential", req.Method, req.URL.Path, resp.StatusCode)
	t.manager.Invalidate(cred)

	cred, err = t.manager.Credential(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = t.send(retry, cred)
	if err != nil {
		return nil, err
	}
	if isAuthFailure(resp.StatusCode) {
		discard(resp)
		t.manager.Invalidate(cred)
		t.manager.logger.Error("Dynamic auth: %s %s rejected again with %d after refresh", req.Method, req.URL.Path, resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailedAfterRefresh, resp.StatusCode)
	}
	return resp, nil
}

func (t *authTransport) send(req *http.Request, cred *Credential) (*http.Response, error) {
	out := req.Clone(req.Context())
	cred.apply(out)
	return t.base.RoundTrip(out)
}

// rewind returns a copy of req with a fresh body for a second attempt.
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
