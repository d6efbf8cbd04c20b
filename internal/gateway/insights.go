package gateway

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultReactions are the emoji the bot reacts to messages with.
var DefaultReactions = []string{
	"👍", "❤️", "🔥", "👏", "🤣", "🤔", "👀", "🎉", "🙈", "🤷‍♂️",
	"🫡", "🗿", "🤨", "🥹", "🫢", "🤌", "💅", "🤡", "🥸", "🤪",
}

var (
	positiveMarkers = []string{"😊", "😄", "👍", "❤️", "круто", "класс", "супер", "отлично", "great", "awesome"}
	negativeMarkers = []string{"😢", "😠", "👎", "💔", "плохо", "ужас", "отстой", "awful", "terrible"}
)

type WordCount struct {
	Word  string
	Count int
}

// TopWords counts lower-cased words longer than two characters and
// returns the n most frequent. Ties are broken alphabetically.
func TopWords(messages []string, n int) []WordCount {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, w := range strings.Fields(strings.ToLower(msg)) {
			if utf8.RuneCountInString(w) > 2 {
				counts[w]++
			}
		}
	}

	out := make([]WordCount, 0, len(counts))
	for w, c := range counts {
		out = append(out, WordCount{Word: w, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func formatTopWords(words []WordCount) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📈 Top %d words in this chat:\n\n", len(words)))
	for i, w := range words {
		sb.WriteString(fmt.Sprintf("%d. %s: %d\n", i+1, w.Word, w.Count))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// MoodReport tallies emotional markers across a chat's messages.
type MoodReport struct {
	Positive int
	Negative int
}

// Mood counts every occurrence of the positive and negative markers.
func Mood(messages []string) MoodReport {
	var r MoodReport
	for _, msg := range messages {
		lower := strings.ToLower(msg)
		for _, m := range positiveMarkers {
			r.Positive += strings.Count(lower, m)
		}
		for _, m := range negativeMarkers {
			r.Negative += strings.Count(lower, m)
		}
	}
	return r
}

// Ratio is the positive share of all markers, or -1 when there are none.
func (r MoodReport) Ratio() float64 {
	total := r.Positive + r.Negative
	if total == 0 {
		return -1
	}
	return float64(r.Positive) / float64(total)
}

func (r MoodReport) Label() string {
	ratio := r.Ratio()
	switch {
	case ratio < 0:
		return "😐 neutral"
	case ratio > 0.8:
		return "🤩 wonderful"
	case ratio > 0.6:
		return "😊 good"
	case ratio > 0.4:
		return "🙂 okay"
	case ratio > 0.2:
		return "😕 so-so"
	default:
		return "😢 sad"
	}
}

// Bar renders the ratio on ten cells; a chat without markers sits in the
// middle.
func (r MoodReport) Bar() string {
	filled := 5
	if ratio := r.Ratio(); ratio >= 0 {
		filled = int(ratio * 10)
	}
	return strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
}

func (r MoodReport) Format() string {
	return fmt.Sprintf("🎭 Chat mood\n\nright now: %s\nmood: [%s]\n\npositive: %d\nnegative: %d",
		r.Label(), r.Bar(), r.Positive, r.Negative)
}
