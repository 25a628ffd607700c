package cmn

// Action names for the internal Transport RPCs; these are contractual
// wire identifiers, not just internal labels. Mirrors the teacher's
// cmn.Act* action-message constants (e.g. cmn.ActGlobalReb) used to tag
// ActionMsg/XactionExtMsg payloads.
const (
	ActFetchDefinition = "bench/node/definition"
	ActFetchResults    = "bench/node/status"
	ActAbortLocal      = "bench/node/abort"
)
