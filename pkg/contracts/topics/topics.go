// Package topics names the Kafka topics shared between the betting engine
// and the match lifecycle services that feed it.
package topics

const (
	MatchCreated  = "match_created"
	MatchFinished = "match_finished"
)
