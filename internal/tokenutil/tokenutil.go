// Package tokenutil provides the single token-count estimator shared by
// every component that reasons about context budget: the event stream,
// the knowledge store, and the compression engine. Mixing estimators
// would make compression thresholds drift, so this is the only place the
// heuristic is allowed to live.
package tokenutil

import "math"

// charsPerToken is the heuristic used uniformly across the runtime.
const charsPerToken = 3.5

// Estimate returns ceil(len(content)/3.5), the normative estimator.
func Estimate(content string) int {
	if content == "" {
		return 0
	}
	return int(math.Ceil(float64(len(content)) / charsPerToken))
}
