package gateway

import (
	"regexp"
	"strings"

	"github.com/kolapsis/llmos/internal/capability"
)

// DefaultConfidenceThreshold below which Generate asks for clarification
// instead of spending tokens.
const DefaultConfidenceThreshold = 0.45

// Specificity signal groups: the more of these a prompt hits, the clearer
// the request.
var (
	uiRe     = regexp.MustCompile(`(?i)\b(button|input|list|table|form|card|panel|menu|slider|modal|tab|grid|display|show)\b`)
	actionRe = regexp.MustCompile(`(?i)\b(add|edit|delete|save|search|filter|sort|track|count|start|stop|reset|upload|play)\b`)
	dataRe   = regexp.MustCompile(`(?i)\b(note|task|item|entry|record|score|time|date|name|price|text|number|image|message)\b`)
	layoutRe = regexp.MustCompile(`(?i)\b(dark|light|theme|color|column|row|sidebar|header|footer|responsive|minimal|layout)\b`)

	vagueRe = regexp.MustCompile(`(?i)\b(something|stuff|anything|whatever|some kind of|maybe|etc\.?|things?|cool|nice)\b`)
)

// Confidence is the weighted breakdown of how actionable a prompt is.
type Confidence struct {
	Score       float64 `json:"score"`
	Length      float64 `json:"length"`
	Specificity float64 `json:"specificity"`
	Clarity     float64 `json:"clarity"`
	Capability  float64 `json:"capability"`
}

// ScoreConfidence computes the weighted mean of four 0–1 components.
func ScoreConfidence(prompt string) Confidence {
	c := Confidence{
		Length:      lengthScore(prompt),
		Specificity: specificityScore(prompt),
		Clarity:     clarityScore(prompt),
		Capability:  capabilityScore(prompt),
	}
	c.Score = 0.20*c.Length + 0.35*c.Specificity + 0.30*c.Clarity + 0.15*c.Capability
	return c
}

func lengthScore(prompt string) float64 {
	words := len(strings.Fields(prompt))
	switch {
	case words < 3:
		return 0.2
	case words < 6:
		return 0.5
	case words < 12:
		return 0.8
	default:
		return 1.0
	}
}

func specificityScore(prompt string) float64 {
	hits := 0
	for _, re := range []*regexp.Regexp{uiRe, actionRe, dataRe, layoutRe} {
		if re.MatchString(prompt) {
			hits++
		}
	}
	return float64(hits) / 4
}

func clarityScore(prompt string) float64 {
	penalty := 0.25 * float64(len(vagueRe.FindAllString(prompt, -1)))
	if penalty > 1 {
		penalty = 1
	}
	return 1 - penalty
}

func capabilityScore(prompt string) float64 {
	proposed := capability.Propose(prompt)
	switch {
	case len(proposed) >= 3: // ui:window plus two concrete needs
		return 1.0
	case len(proposed) == 2:
		return 0.75
	default:
		return 0.5
	}
}

// ClarificationQuestions produces up to three questions targeting the
// weakest components of a low-confidence prompt.
func ClarificationQuestions(prompt string, c Confidence) []string {
	var questions []string

	if c.Specificity < 0.5 {
		questions = append(questions, "What should the app actually display, and what actions should the user be able to take?")
	}
	if c.Length < 0.5 {
		questions = append(questions, "Can you describe the app in a sentence or two — what is it for?")
	}
	if c.Clarity < 0.75 {
		questions = append(questions, "Some of the wording is open-ended — can you replace the vague parts with concrete features?")
	}
	if c.Capability < 0.75 && len(questions) < 3 {
		questions = append(questions, "Should the app remember data between sessions, use timers, or talk to the network?")
	}

	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}

// complexity keywords per generation sizing.
var complexKeywordRe = regexp.MustCompile(`(?i)\b(multi-?user|sync|real-?time|collab|database|auth|drag|animation|chart|integrat|websocket|offline|export|import)\b`)

// Complexity buckets a prompt into simple, medium or complex.
func Complexity(prompt string) string {
	words := len(strings.Fields(prompt))
	hits := len(complexKeywordRe.FindAllString(prompt, -1))
	switch {
	case hits >= 2 || words > 80:
		return "complex"
	case hits >= 1 || words > 40:
		return "medium"
	default:
		return "simple"
	}
}
