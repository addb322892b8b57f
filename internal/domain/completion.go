package domain

// CompletionResult is the output of one metered model call, with the unit
// counts the provider reported for it.
type CompletionResult struct {
	Text        string
	InputUnits  int64
	OutputUnits int64
}
