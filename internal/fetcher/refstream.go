package fetcher

import (
	"context"
	"encoding/json"
	"fmt"

	"wanderer-kills/internal/gate"
)

// PackageFormat classifies what RefStream.Poll returned.
type PackageFormat string

const (
	FormatNone   PackageFormat = "none"
	FormatNew    PackageFormat = "new_format"
	FormatLegacy PackageFormat = "legacy"
)

// Package is RefStream's poll() result (spec §6 Upstream A).
type Package struct {
	Format   PackageFormat
	KillID   int64
	Killmail *WireKillmail // set only when Format == FormatNew
	ZKB      WireZKB
}

// RefStream wraps the long-poll reference stream endpoint
// (GET <base>/listen.php?queueID=...&ttw=...).
type RefStream struct {
	fetcher *HttpFetcher
	baseURL string
}

func NewRefStream(f *HttpFetcher, baseURL string) *RefStream {
	return &RefStream{fetcher: f, baseURL: baseURL}
}

type listenEnvelope struct {
	Package json.RawMessage `json:"package"`
}

type packagePayload struct {
	KillID   int64           `json:"killID"`
	Killmail *WireKillmail   `json:"killmail"`
	ZKB      WireZKB         `json:"zkb"`
}

// Poll performs one long-poll round. ttwSeconds is clamped by the caller to
// spec §6's 1..10 range. A Package with Format FormatNone and no error means
// the upstream had nothing to deliver within the wait window.
func (r *RefStream) Poll(ctx context.Context, queueID string, ttwSeconds int) (*Package, error) {
	url := fmt.Sprintf("%s/listen.php?queueID=%s&ttw=%d", r.baseURL, queueID, ttwSeconds)

	var env listenEnvelope
	if err := r.fetcher.FetchJSON(ctx, gate.PriorityRealtime, "", false, url, &env); err != nil {
		return nil, err
	}
	if len(env.Package) == 0 || string(env.Package) == "null" {
		return &Package{Format: FormatNone}, nil
	}

	var payload packagePayload
	if err := json.Unmarshal(env.Package, &payload); err != nil {
		return nil, err
	}

	if payload.Killmail != nil {
		return &Package{Format: FormatNew, KillID: payload.KillID, Killmail: payload.Killmail, ZKB: payload.ZKB}, nil
	}
	return &Package{Format: FormatLegacy, KillID: payload.KillID, ZKB: payload.ZKB}, nil
}
