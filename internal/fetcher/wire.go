package fetcher

// WireKillmail mirrors the ESI-shaped killmail object returned by both
// upstreams (spec §6: RefStream's new_format package, and the Reference
// detail GET /killmails/{id}/{hash}/ endpoint). Field names and casing
// follow ESI's wire format exactly, not this service's canonical model —
// the enrichment Pipeline's buildCanonical converts one into the other.
type WireKillmail struct {
	KillmailID    int64             `json:"killmail_id"`
	KillmailTime  string            `json:"killmail_time"`
	SolarSystemID int32             `json:"solar_system_id"`
	Victim        WireParticipant   `json:"victim"`
	Attackers     []WireParticipant `json:"attackers"`
}

// WireParticipant is one victim/attacker entry in WireKillmail.
type WireParticipant struct {
	CharacterID    *int64       `json:"character_id,omitempty"`
	CorporationID  *int64       `json:"corporation_id,omitempty"`
	AllianceID     *int64       `json:"alliance_id,omitempty"`
	FactionID      *int64       `json:"faction_id,omitempty"`
	ShipTypeID     *int64       `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64       `json:"weapon_type_id,omitempty"`
	DamageDone     int64        `json:"damage_done"`
	FinalBlow      bool         `json:"final_blow,omitempty"`
	SecurityStatus *float64     `json:"security_status,omitempty"`
	Position       *WirePosition `json:"position,omitempty"`
	Items          []WireItem   `json:"items,omitempty"`
}

// WirePosition is the victim's death coordinates.
type WirePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// WireItem is one cargo/fitted entry, recursively nested for container
// contents.
type WireItem struct {
	ItemTypeID        int64      `json:"item_type_id"`
	Flag              int64      `json:"flag"`
	Singleton         int64      `json:"singleton"`
	QuantityDestroyed *int64     `json:"quantity_destroyed,omitempty"`
	QuantityDropped   *int64     `json:"quantity_dropped,omitempty"`
	Items             []WireItem `json:"items,omitempty"`
}

// WireZKB mirrors zkillboard's "zkb" metadata block.
type WireZKB struct {
	LocationID   int64    `json:"locationID"`
	Hash         string   `json:"hash"`
	FittedValue  float64  `json:"fittedValue"`
	TotalValue   float64  `json:"totalValue"`
	Points       int      `json:"points"`
	NPC          bool     `json:"npc"`
	Solo         bool     `json:"solo"`
	Awox         bool     `json:"awox"`
	Labels       []string `json:"labels,omitempty"`
}

// WireNames is the name-bearing shape returned by the character/
// corporation/alliance/type reference lookups.
type WireNames struct {
	Name string `json:"name"`
}
