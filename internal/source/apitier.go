package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/summitline/terrain/internal/errs"
)

// APIConfig describes one external elevation API. Both vendors follow the
// same shape - GET with lat/lon query parameters, a header-carried key,
// and a JSON body holding an elevation in meters - so one tier
// implementation covers them.
type APIConfig struct {
	// ID is the tier's source id, e.g. "gpxz_api" or "google_api".
	ID string
	// Endpoint is the base URL; lat/lon are appended as query parameters.
	Endpoint string
	// LatParam/LonParam name the query parameters (default "lat"/"lon").
	LatParam string
	LonParam string
	// KeyHeader carries the API key (default "X-API-Key"); empty Key sends
	// no auth.
	KeyHeader string
	Key       string
	// ElevationField is a dot path into the response JSON, e.g.
	// "elevation" or "result.elevation".
	ElevationField string
}

// APITier queries one external elevation API.
type APITier struct {
	cfg    APIConfig
	client *http.Client
}

// NewAPITier creates an API tier. client may be nil (a default client with
// no timeout is used; per-attempt deadlines come from the chain's context).
func NewAPITier(cfg APIConfig, client *http.Client) *APITier {
	if cfg.LatParam == "" {
		cfg.LatParam = "lat"
	}
	if cfg.LonParam == "" {
		cfg.LonParam = "lon"
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-API-Key"
	}
	if cfg.ElevationField == "" {
		cfg.ElevationField = "elevation"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &APITier{cfg: cfg, client: client}
}

// ID implements Tier.
func (t *APITier) ID() string { return t.cfg.ID }

// Attempt issues one API call. Classification per the external interface
// contract: 5xx, 408, and 429 are retriable (429 carrying Retry-After);
// any other 4xx is permanent; a null or missing elevation is a Miss.
func (t *APITier) Attempt(ctx context.Context, lat, lon float64) Outcome {
	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return Permanent(errs.Wrap(errs.KindInvalidInput, err, "bad endpoint"), "misconfigured endpoint")
	}
	q := u.Query()
	q.Set(t.cfg.LatParam, strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set(t.cfg.LonParam, strconv.FormatFloat(lon, 'f', 6, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Permanent(err, "request build failed")
	}
	req.Header.Set("Accept", "application/json")
	if t.cfg.Key != "" {
		req.Header.Set(t.cfg.KeyHeader, t.cfg.Key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Retriable(errs.Wrap(errs.KindTimeout, err, t.cfg.ID), "attempt timed out")
		}
		return Retriable(errs.Wrap(errs.KindTransient, err, t.cfg.ID), "connection failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Retriable(errs.Wrap(errs.KindTransient, err, t.cfg.ID), "body read failed")
	}
	bytesRead := int64(len(body))

	switch {
	case resp.StatusCode == http.StatusOK:
		// parsed below
	case resp.StatusCode == http.StatusTooManyRequests:
		out := Retriable(errs.Newf(errs.KindRateLimited, "%s rate limited", t.cfg.ID), "rate limited")
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		out.BytesRead = bytesRead
		return out
	case resp.StatusCode == http.StatusRequestTimeout:
		out := Retriable(errs.Newf(errs.KindTimeout, "%s returned 408", t.cfg.ID), "server timeout")
		out.BytesRead = bytesRead
		return out
	case resp.StatusCode >= 500:
		out := Retriable(errs.Newf(errs.KindTransient, "%s returned %d", t.cfg.ID, resp.StatusCode), fmt.Sprintf("HTTP %d", resp.StatusCode))
		out.BytesRead = bytesRead
		return out
	default:
		out := Permanent(errs.Newf(errs.KindTransient, "%s returned %d", t.cfg.ID, resp.StatusCode), fmt.Sprintf("HTTP %d", resp.StatusCode))
		out.BytesRead = bytesRead
		return out
	}

	elev, found, err := extractElevation(body, t.cfg.ElevationField)
	if err != nil {
		out := Permanent(err, "unparseable response")
		out.BytesRead = bytesRead
		return out
	}
	if !found {
		out := Miss("no data at point")
		out.BytesRead = bytesRead
		return out
	}
	return Hit(elev, t.cfg.ID, bytesRead)
}

// extractElevation walks the dot path into the response JSON. found is
// false for an explicit null or an absent field - both mean "no data
// here", not an error.
func extractElevation(body []byte, fieldPath string) (float64, bool, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, false, fmt.Errorf("parse response: %w", err)
	}
	cur := doc
	for _, part := range strings.Split(fieldPath, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, false, fmt.Errorf("field %s not found in response", fieldPath)
		}
		cur, ok = obj[part]
		if !ok {
			return 0, false, nil
		}
	}
	switch v := cur.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return v, true, nil
	default:
		return 0, false, fmt.Errorf("field %s is %T, want number", fieldPath, cur)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
