package model

// Results is the full finding set delivered by the analysis engine once per
// job. A nil *Results means the engine found nothing.
type Results struct {
	Flows []Flow `json:"flows"`
}

// Flow groups all sources reaching a single sink, in engine order.
type Flow struct {
	Sink    string   `json:"sink"`
	Sources []Source `json:"sources,omitempty"`
}

type Source struct {
	Source string   `json:"source"`
	Method string   `json:"method"`         // signature of the method enclosing the source
	Path   []string `json:"path,omitempty"` // reconstructed propagation path, if tracked
}

// Len returns the number of sinks with at least one flow.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Flows)
}
