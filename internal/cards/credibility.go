package cards

import "strings"

// sourceCredibility holds curated scores for well-known outlets.
// Unknown sources get the default.
var sourceCredibility = map[string]float64{
	"reuters":              0.95,
	"associated press":     0.95,
	"ap news":              0.95,
	"bbc":                  0.9,
	"bbc news":             0.9,
	"the new york times":   0.88,
	"the wall street journal": 0.88,
	"the guardian":         0.85,
	"bloomberg":            0.88,
	"financial times":      0.88,
	"the washington post":  0.85,
	"cnn":                  0.75,
	"xinhua":               0.8,
	"caixin":               0.82,
	"people's daily":       0.75,
	"techcrunch":           0.7,
	"the verge":            0.7,
	"wired":                0.72,
	"ars technica":         0.75,
	"nature":               0.95,
	"science":              0.95,
}

const defaultCredibility = 0.5

// SourceCredibility returns the credibility score for a source name,
// in [0,1].
func SourceCredibility(source string) float64 {
	if score, ok := sourceCredibility[strings.ToLower(strings.TrimSpace(source))]; ok {
		return score
	}
	return defaultCredibility
}
