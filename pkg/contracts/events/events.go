// Package events defines the wire shapes of the match lifecycle events the
// betting engine consumes. Producers in other services marshal the same
// structs, so fields only ever get added, never renamed.
package events

// EventSide identifies one side of a match on the wire.
type EventSide struct {
	Kind string `json:"kind"` // "team" or "member"
	ID   string `json:"id"`
}

// MatchCreated announces a newly scheduled match. The engine opens a
// betting market for the announcing group on receipt.
type MatchCreated struct {
	MatchID  string    `json:"match_id"`
	GroupID  string    `json:"group_id"`
	SideA    EventSide `json:"side_a"`
	SideB    EventSide `json:"side_b"`
	TsUnixMs int64     `json:"ts_unix_ms"`
}

// MatchFinished announces a decided match. Winner is "side_a" or "side_b";
// Status carries the match lifecycle status at decision time.
type MatchFinished struct {
	MatchID  string `json:"match_id"`
	Winner   string `json:"winner"`
	Status   string `json:"status"`
	TsUnixMs int64  `json:"ts_unix_ms"`
}
