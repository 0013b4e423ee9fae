// Package enrichment implements EnrichmentPipeline (spec §4.6, component
// C6): normalize -> classify -> fetch-to-full -> validate structure ->
// validate time -> enrich -> build canonical -> emit.
package enrichment

import (
	"context"
	"strconv"
	"time"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/fetcher"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/pkg/config"
)

// Outcome is the pipeline's terminal emit() state.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeSkip  Outcome = "skip"
	OutcomeError Outcome = "error"
)

// Result is what Process/ProcessBatch return for one reference.
type Result struct {
	Outcome  Outcome
	Killmail killmail.Killmail
	Err      error
}

// Pipeline turns a RefStream package into a canonical, enriched killmail.
type Pipeline struct {
	lookups *fetcher.Lookups
	cache   cache.Cache
	workers int
}

func New(lookups *fetcher.Lookups, c cache.Cache, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{lookups: lookups, cache: c, workers: workers}
}

func classify(wire *fetcher.WireKillmail) string {
	if wire == nil {
		return "partial"
	}
	if wire.KillmailID == 0 || wire.SolarSystemID == 0 {
		return "invalid_format"
	}
	return "full"
}

// Process runs the full pipeline for one reference. killID/zkb come from
// RefStream.Poll; wire is non-nil only for new_format packages.
func (p *Pipeline) Process(ctx context.Context, killID int64, wire *fetcher.WireKillmail, zkb fetcher.WireZKB, cutoff time.Time) Result {
	class := classify(wire)

	if class == "invalid_format" {
		return Result{Outcome: OutcomeError, Err: errkind.New(errkind.InvalidFormat, "malformed killmail reference")}
	}

	if class == "partial" {
		fetchCtx, cancel := context.WithTimeout(ctx, config.GetLegacyFetchTimeout())
		full, err := p.lookups.FetchFullKillmail(fetchCtx, killID, zkb.Hash)
		cancel()
		if err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}
		wire = full
		if classify(wire) != "full" {
			return Result{Outcome: OutcomeError, Err: errkind.New(errkind.InvalidFormat, "fetched killmail still malformed")}
		}
	}

	if violation := validateStructure(wire); violation != nil {
		return Result{Outcome: OutcomeError, Err: violation}
	}

	killTime, err := time.Parse(time.RFC3339, wire.KillmailTime)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: errkind.Wrap(errkind.InvalidTimeFormat, "unparseable killmail_time", err)}
	}
	if killTime.Before(cutoff) {
		return Result{Outcome: OutcomeSkip, Err: errkind.New(errkind.KillTooOld, "killmail predates cutoff")}
	}

	km := p.buildCanonical(ctx, wire, zkb, killTime)
	p.cacheCharacterExtraction(ctx, km)

	return Result{Outcome: OutcomeOK, Killmail: km}
}

// validateStructure collects the structural violations spec §4.6 requires
// (missing required fields, invalid field types), returning the first
// blocking violation as an *errkind.Error or nil if the record is sound.
func validateStructure(wire *fetcher.WireKillmail) error {
	if wire.KillmailID == 0 {
		return errkind.New(errkind.MissingFields, "missing killmail_id")
	}
	if wire.SolarSystemID == 0 {
		return errkind.New(errkind.MissingFields, "missing solar_system_id")
	}
	if wire.KillmailTime == "" {
		return errkind.New(errkind.MissingFields, "missing killmail_time")
	}
	for _, a := range wire.Attackers {
		if a.DamageDone < 0 {
			return errkind.New(errkind.InvalidFieldTypes, "negative damage_done")
		}
	}
	return nil
}

// buildCanonical resolves per-participant names via the cache-through
// Lookups adapter. A failed lookup leaves only that name field empty rather
// than failing the whole killmail (spec §4.6 enrich stage).
func (p *Pipeline) buildCanonical(ctx context.Context, wire *fetcher.WireKillmail, zkb fetcher.WireZKB, killTime time.Time) killmail.Killmail {
	return killmail.Killmail{
		KillmailID: wire.KillmailID,
		KillTime:   killTime,
		SystemID:   wire.SolarSystemID,
		Victim:     p.enrichParticipant(ctx, wire.Victim),
		Attackers:  p.enrichParticipants(ctx, wire.Attackers),
		ZKB: killmail.ZKBMetadata{
			LocationID:  zkb.LocationID,
			Hash:        zkb.Hash,
			FittedValue: zkb.FittedValue,
			TotalValue:  zkb.TotalValue,
			Points:      zkb.Points,
			NPC:         zkb.NPC,
			Solo:        zkb.Solo,
			Awox:        zkb.Awox,
			Labels:      zkb.Labels,
		},
		TotalValue: zkb.TotalValue,
		NPC:        zkb.NPC,
		Enriched:   true,
	}
}

func (p *Pipeline) enrichParticipants(ctx context.Context, wires []fetcher.WireParticipant) []killmail.Participant {
	out := make([]killmail.Participant, len(wires))
	for i, w := range wires {
		out[i] = p.enrichParticipant(ctx, w)
	}
	return out
}

func (p *Pipeline) enrichParticipant(ctx context.Context, w fetcher.WireParticipant) killmail.Participant {
	part := killmail.Participant{
		CharacterID:    w.CharacterID,
		CorporationID:  w.CorporationID,
		AllianceID:     w.AllianceID,
		FactionID:      w.FactionID,
		ShipTypeID:     w.ShipTypeID,
		WeaponTypeID:   w.WeaponTypeID,
		Damage:         w.DamageDone,
		FinalBlow:      w.FinalBlow,
		SecurityStatus: w.SecurityStatus,
		Items:          convertItems(w.Items),
	}
	if w.Position != nil {
		part.Position = &killmail.Position{X: w.Position.X, Y: w.Position.Y, Z: w.Position.Z}
	}

	names := killmail.Names{}
	if w.CharacterID != nil {
		if name, err := p.lookups.FetchCharacter(ctx, *w.CharacterID); err == nil {
			names.Character = name
		}
	}
	if w.CorporationID != nil {
		if name, err := p.lookups.FetchCorporation(ctx, *w.CorporationID); err == nil {
			names.Corporation = name
		}
	}
	if w.AllianceID != nil {
		if name, err := p.lookups.FetchAlliance(ctx, *w.AllianceID); err == nil {
			names.Alliance = name
		}
	}
	if w.ShipTypeID != nil {
		if name, err := p.lookups.FetchType(ctx, *w.ShipTypeID); err == nil {
			names.ShipType = name
		}
	}
	part.Names = &names

	return part
}

func convertItems(wires []fetcher.WireItem) []killmail.Item {
	if len(wires) == 0 {
		return nil
	}
	out := make([]killmail.Item, len(wires))
	for i, w := range wires {
		out[i] = killmail.Item{
			ItemTypeID:        w.ItemTypeID,
			Flag:              w.Flag,
			Singleton:         w.Singleton,
			QuantityDestroyed: w.QuantityDestroyed,
			QuantityDropped:   w.QuantityDropped,
			Items:             convertItems(w.Items),
		}
	}
	return out
}

func (p *Pipeline) cacheCharacterExtraction(ctx context.Context, km killmail.Killmail) {
	key := strconv.FormatInt(km.KillmailID, 10)
	p.cache.Put(ctx, cache.NamespaceCharacterExtraction, key, km.ExtractCharacterIDs())
}

// BatchItem is one reference to process in ProcessBatch.
type BatchItem struct {
	KillID int64
	Wire   *fetcher.WireKillmail
	ZKB    fetcher.WireZKB
}

// ProcessBatch fans work out across p.workers goroutines. Per-entity
// lookups are naturally deduplicated across the batch by the Gate's
// fingerprint coalescing (spec §4.6: "single batched enrichment per
// distinct entity id") rather than by separate batch-level bookkeeping
// here.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []BatchItem, cutoff time.Time) []Result {
	results := make([]Result, len(items))
	jobs := make(chan int)

	var workers = p.workers
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		return results
	}

	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for idx := range jobs {
				item := items[idx]
				results[idx] = p.Process(ctx, item.KillID, item.Wire, item.ZKB, cutoff)
			}
			done <- struct{}{}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}

	return results
}
