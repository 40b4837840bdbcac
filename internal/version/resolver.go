package version

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Getter fetches a URL body. Non-2xx responses must be returned as errors.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type indexEntry struct {
	Version string `json:"version"`
}

// Resolver picks the newest stable runtime release from a distribution
// index (a JSON array ordered newest first).
type Resolver struct {
	IndexURL string
	MinMajor int
	Fallback string
	Getter   Getter
	Logger   *slog.Logger
}

// ResolveLatestStable returns the first stable entry with major >= MinMajor.
// Any failure yields ("", false).
func (r *Resolver) ResolveLatestStable(ctx context.Context) (string, bool) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	body, err := r.Getter.Get(ctx, r.IndexURL)
	if err != nil {
		log.Warn("fetch release index", "url", r.IndexURL, "error", err)
		return "", false
	}
	var entries []indexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		log.Warn("decode release index", "url", r.IndexURL, "error", err)
		return "", false
	}
	for _, e := range entries {
		if IsStable(e.Version, r.MinMajor) {
			return Normalize(e.Version), true
		}
	}
	return "", false
}

// Desired returns the resolved version or the fallback.
func (r *Resolver) Desired(ctx context.Context) string {
	if v, ok := r.ResolveLatestStable(ctx); ok {
		return v
	}
	return r.Fallback
}
