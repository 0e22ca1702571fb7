package keystroke

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/claudego/server/interaction"
)

// DefaultSentinels match the footer of the agent's selection prompt and
// the plan approval prompt.
var DefaultSentinels = []string{
	`Enter to select`,
	`Would you like to proceed\?`,
}

// markerLen bounds how much of a question's text must be visible. Long
// questions wrap or get cut off on narrow panes.
const markerLen = 40

// Detector decides from a captured screen whether a unit's prompt is
// still outstanding. Sentinels are checked in order; first match wins.
type Detector struct {
	sentinels []*regexp.Regexp
}

// NewDetector compiles the sentinel expressions.
func NewDetector(exprs []string) (*Detector, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("detector: at least one sentinel required")
	}
	d := &Detector{}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("detector: sentinel %q: %w", expr, err)
		}
		d.sentinels = append(d.sentinels, re)
	}
	return d, nil
}

// Sentinel returns the first sentinel found on screen.
func (d *Detector) Sentinel(screen string) (string, bool) {
	for _, re := range d.sentinels {
		if loc := re.FindStringIndex(screen); loc != nil {
			return screen[loc[0]:loc[1]], true
		}
	}
	return "", false
}

// Outstanding reports whether the screen still shows u's prompt: a
// sentinel is present and, for questions, so is the question's own text.
// The next question of the same set shows the same sentinel, so the text
// is what tells the two apart.
func (d *Detector) Outstanding(screen string, u interaction.Unit) bool {
	if _, ok := d.Sentinel(screen); !ok {
		return false
	}
	marker := unitMarker(u)
	if marker == "" {
		return true
	}
	return strings.Contains(normalize(screen), marker)
}

func unitMarker(u interaction.Unit) string {
	if u.Kind != interaction.KindQuestion || u.Question == nil {
		return ""
	}
	text := normalize(u.Question.Text)
	if text == "" {
		text = normalize(u.Question.Header)
	}
	if r := []rune(text); len(r) > markerLen {
		text = string(r[:markerLen])
	}
	return text
}

// normalize collapses whitespace so that soft-wrapped lines compare equal
// to the original text.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
