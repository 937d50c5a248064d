package memory

import (
	"regexp"
	"strings"
)

// Emotional importance weights assigned at ingestion.
const (
	ImportanceHigh   = 2.0
	ImportanceMedium = 1.5
	ImportanceLow    = 1.0
)

// Classifier decides the content-derived fields of a new record. The keyword
// implementation is approximate; swap it for a better classifier when one exists.
type Classifier interface {
	EmotionalImportance(content, context string) float64
	IsPlatformSpecific(content string) bool
}

// KeywordClassifier implements Classifier with fixed marker lists.
type KeywordClassifier struct {
	HighMarkers     []string
	LowMarkers      []string
	VideoKeywords   []string
	ChannelKeywords []string
	// EmoteThreshold is the number of :emote: tokens above which content is
	// treated as platform-specific.
	EmoteThreshold int
}

var emoteRegex = regexp.MustCompile(`:\w+:`)

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		HighMarkers: []string{
			"love", "hate", "amazing", "terrible", "best", "worst",
			"incredible", "awful", "perfect", "disaster", "brilliant",
			"roasted", "praised", "argument", "fight", "breakthrough",
		},
		LowMarkers:      []string{"ok", "fine", "whatever", "meh", "sure", "yeah"},
		VideoKeywords:   []string{"video", "playing", "queue", "watch", "stream", "movie", "clip"},
		ChannelKeywords: []string{"#", "channel", "server"},
		EmoteThreshold:  2,
	}
}

// EmotionalImportance matches markers as substrings of the lowercased
// content and context. High markers win over low ones.
func (c *KeywordClassifier) EmotionalImportance(content, context string) float64 {
	text := strings.ToLower(content) + " " + strings.ToLower(context)
	if containsAny(text, c.HighMarkers) {
		return ImportanceHigh
	}
	if containsAny(text, c.LowMarkers) {
		return ImportanceLow
	}
	return ImportanceMedium
}

func (c *KeywordClassifier) IsPlatformSpecific(content string) bool {
	text := strings.ToLower(content)
	if containsAny(text, c.VideoKeywords) {
		return true
	}
	if len(emoteRegex.FindAllString(text, -1)) > c.EmoteThreshold {
		return true
	}
	return containsAny(text, c.ChannelKeywords)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}
