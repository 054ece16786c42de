package types

// Event is a structured state-change notification produced by the settlement
// engine and fanned out to RPC subscribers and indexers.
type Event struct {
	Type       string
	Attributes map[string]string
}
