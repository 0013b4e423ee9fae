package fetcher

import (
	"context"
	"fmt"
	"strconv"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/gate"
)

// Lookups is the Reference-detail adapter (spec §6 Upstream B, §4.5): four
// cache-through ESI-shaped name lookups plus the cache-through legacy
// full-killmail fetch.
type Lookups struct {
	fetcher *HttpFetcher
	cache   cache.Cache
	baseURL string
}

func NewLookups(f *HttpFetcher, c cache.Cache, baseURL string) *Lookups {
	return &Lookups{fetcher: f, cache: c, baseURL: baseURL}
}

func (l *Lookups) cacheThroughName(ctx context.Context, namespace string, id int64, path string) (string, error) {
	key := strconv.FormatInt(id, 10)
	if name, found := cache.GetTyped[string](ctx, l.cache, namespace, key); found {
		return name, nil
	}

	var names WireNames
	url := fmt.Sprintf("%s/%s/%d/", l.baseURL, path, id)
	if err := l.fetcher.FetchJSON(ctx, gate.PriorityBackground, namespace+":"+key, true, url, &names); err != nil {
		return "", err
	}
	l.cache.Put(ctx, namespace, key, names.Name)
	return names.Name, nil
}

func (l *Lookups) FetchCharacter(ctx context.Context, characterID int64) (string, error) {
	return l.cacheThroughName(ctx, cache.NamespaceCharacterInfo, characterID, "characters")
}

func (l *Lookups) FetchCorporation(ctx context.Context, corporationID int64) (string, error) {
	return l.cacheThroughName(ctx, cache.NamespaceCorporationInfo, corporationID, "corporations")
}

func (l *Lookups) FetchAlliance(ctx context.Context, allianceID int64) (string, error) {
	return l.cacheThroughName(ctx, cache.NamespaceAllianceInfo, allianceID, "alliances")
}

func (l *Lookups) FetchType(ctx context.Context, typeID int64) (string, error) {
	return l.cacheThroughName(ctx, cache.NamespaceShipType, typeID, "types")
}

// FetchFullKillmail retrieves the full ESI-shaped killmail for the
// legacy-format path (spec §4.6 stage 3, Fetch-to-full), via
// GET <base>/killmails/{id}/{hash}/.
func (l *Lookups) FetchFullKillmail(ctx context.Context, killmailID int64, hash string) (*WireKillmail, error) {
	key := strconv.FormatInt(killmailID, 10)
	if km, found := cache.GetTyped[WireKillmail](ctx, l.cache, cache.NamespaceKillmail, key); found {
		return &km, nil
	}

	var km WireKillmail
	url := fmt.Sprintf("%s/killmails/%d/%s/", l.baseURL, killmailID, hash)
	if err := l.fetcher.FetchJSON(ctx, gate.PriorityRealtime, "killmail:"+key, true, url, &km); err != nil {
		return nil, err
	}
	l.cache.Put(ctx, cache.NamespaceKillmail, key, km)
	return &km, nil
}
