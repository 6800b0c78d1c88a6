// Package dialogue turns raw text into speaker-tagged turns and groups
// turns into bounded segments for the Task Engine.
package dialogue

import (
	"regexp"
	"strings"

	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// Turn is one line of dialogue attributed to a speaker.
type Turn struct {
	SpeakerID int
	Utterance string
}

// Segment is a contiguous run of at most SegmentSize turns.
type Segment struct {
	Index int
	Turns []Turn
}

// DefaultSegmentSize is the default maximum turns per segment (spec §3).
const DefaultSegmentSize = 10

// turnLine matches "speaker: utterance", allowing a parenthetical
// annotation after the speaker name, and either half/full-width colon.
// Grounded on original_source/app/tts_client.py:parse_dialogue_text.
var turnLine = regexp.MustCompile(`^\s*([^（(:：]+?)\s*(?:[（(][^）)]*[）)])?\s*[:：]\s*(.+)$`)

// stageDirection strips bracketed stage directions like "[laughs]".
var stageDirection = regexp.MustCompile(`\[[^\]]*\]`)

// Roster resolves a speaker name to a stable numeric speaker id, assigning
// new ids in first-seen order.
type Roster struct {
	ids   map[string]int
	order []string
}

// NewRoster creates an empty speaker roster.
func NewRoster() *Roster {
	return &Roster{ids: make(map[string]int)}
}

func (r *Roster) resolve(name string) int {
	if id, ok := r.ids[name]; ok {
		return id
	}
	id := len(r.order)
	r.ids[name] = id
	r.order = append(r.order, name)
	return id
}

// Names returns speaker names in first-seen order, indexed by speaker id.
func (r *Roster) Names() []string {
	return r.order
}

// Parse splits raw dialogue text into turns. Lines without a recognizable
// "speaker: utterance" prefix are treated as a continuation of the
// previous turn, matching the line-scan behaviour of the original
// implementation this component was distilled from.
func Parse(text string, roster *Roster) ([]Turn, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errs.ErrEmptyInput
	}

	var turns []Turn
	for _, rawLine := range strings.Split(trimmed, "\n") {
		line := stageDirection.ReplaceAllString(rawLine, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		m := turnLine.FindStringSubmatch(line)
		if m == nil {
			if len(turns) == 0 {
				return nil, errs.ErrInvalidSpeaker
			}
			last := &turns[len(turns)-1]
			last.Utterance = strings.TrimSpace(last.Utterance + " " + line)
			continue
		}

		speaker := strings.TrimSpace(m[1])
		content := strings.TrimSpace(m[2])
		if speaker == "" || content == "" {
			return nil, errs.ErrInvalidSpeaker
		}

		turns = append(turns, Turn{
			SpeakerID: roster.resolve(speaker),
			Utterance: content,
		})
	}

	if len(turns) == 0 {
		return nil, errs.ErrInvalidSpeaker
	}

	return turns, nil
}

// Chunk groups turns into segments of at most size turns each.
func Chunk(turns []Turn, size int) []Segment {
	if size <= 0 {
		size = DefaultSegmentSize
	}

	var segments []Segment
	for start := 0; start < len(turns); start += size {
		end := start + size
		if end > len(turns) {
			end = len(turns)
		}
		segments = append(segments, Segment{
			Index: len(segments),
			Turns: turns[start:end],
		})
	}
	return segments
}

// CharCount returns the total utterance length across all turns, the
// measure spec §4.4 uses for strategy selection.
func CharCount(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len([]rune(t.Utterance))
	}
	return total
}
