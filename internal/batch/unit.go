package batch

import (
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// Status is the completion state of one stage of a unit or sub-unit.
type Status string

const (
	StatusPending Status = ""
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Unit is one item of batch work, for example a chapter. Units are created
// when a job starts, mutated only by the pipeline and persisted to a
// [Registry] after every pass so that a later run can resume them.
type Unit struct {
	ID string `json:"id" yaml:"id"`

	// Prompt is handed to the text generator when Texts is missing a
	// language.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	Voice     string   `json:"voice,omitempty" yaml:"voice,omitempty"`
	Provider  tts.Kind `json:"provider,omitempty" yaml:"provider,omitempty"`
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty"`

	// Texts maps a language to the unit's text in that language.
	Texts map[string]string `json:"texts,omitempty" yaml:"texts,omitempty"`

	// SubUnits are derived from Texts by sentence splitting when empty.
	SubUnits []SubUnit `json:"sub_units,omitempty" yaml:"sub_units,omitempty"`

	TextStatus  Status `json:"text_status,omitempty" yaml:"-"`
	AudioStatus Status `json:"audio_status,omitempty" yaml:"-"`
	SaveStatus  Status `json:"save_status,omitempty" yaml:"-"`

	// Attempts counts pipeline passes over the unit.
	Attempts  int       `json:"attempts,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"-"`
}

// SubUnit is the smallest schedulable piece of audio work: one phrase in one
// language.
type SubUnit struct {
	Index    int    `json:"index" yaml:"index"`
	Language string `json:"language" yaml:"language"`
	Text     string `json:"text" yaml:"text"`

	Status Status `json:"status,omitempty" yaml:"-"`

	// Attempts is the number of synthesis attempts made in the pass that
	// last touched the sub-unit.
	Attempts    int      `json:"attempts,omitempty" yaml:"-"`
	Fingerprint string   `json:"fingerprint,omitempty" yaml:"-"`
	Produced    tts.Kind `json:"produced_by,omitempty" yaml:"-"`
	Error       string   `json:"error,omitempty" yaml:"-"`
}

// Clone returns a deep copy of u.
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	c.Languages = slices.Clone(u.Languages)
	c.Texts = maps.Clone(u.Texts)
	c.SubUnits = slices.Clone(u.SubUnits)
	return &c
}

// languages returns the languages the unit must cover: Languages when set,
// otherwise the sorted keys of Texts.
func (u *Unit) languages() []string {
	if len(u.Languages) > 0 {
		return u.Languages
	}
	return slices.Sorted(maps.Keys(u.Texts))
}

// HasText reports whether every language of the unit has text.
func (u *Unit) HasText() bool {
	langs := u.languages()
	if len(langs) == 0 {
		return false
	}
	for _, l := range langs {
		if strings.TrimSpace(u.Texts[l]) == "" {
			return false
		}
	}
	return true
}

// missingLanguages returns the languages without text.
func (u *Unit) missingLanguages() []string {
	var out []string
	for _, l := range u.languages() {
		if strings.TrimSpace(u.Texts[l]) == "" {
			out = append(out, l)
		}
	}
	return out
}

// ensureSubUnits derives sub-units from Texts when there are none.
func (u *Unit) ensureSubUnits() {
	if len(u.SubUnits) > 0 {
		return
	}
	idx := 0
	for _, lang := range u.languages() {
		for _, s := range SplitSentences(u.Texts[lang]) {
			u.SubUnits = append(u.SubUnits, SubUnit{Index: idx, Language: lang, Text: s})
			idx++
		}
	}
}

// Resume says how much work a stored unit still needs.
type Resume int

const (
	NeedsText Resume = iota
	NeedsAudio
	Complete
)

// String returns the snake_case name of r.
func (r Resume) String() string {
	switch r {
	case NeedsText:
		return "needs_text"
	case NeedsAudio:
		return "needs_audio"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Classify decides what a unit still needs. withAudio says whether the run
// asks for audio at all.
func Classify(u *Unit, withAudio bool) Resume {
	if !u.HasText() {
		return NeedsText
	}
	if withAudio && u.AudioStatus != StatusSuccess {
		return NeedsAudio
	}
	return Complete
}

// SplitSentences breaks text into trimmed sentences. A sentence ends at
// terminal punctuation followed by whitespace, or at a line break.
func SplitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		last := i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		if isCloser(r) && i > 0 && isTerminal(runes[i-1]) && last {
			flush()
			continue
		}
		if !isTerminal(r) {
			continue
		}
		// Keep runs like "?!" or "..." and closing quotes with the sentence.
		if i+1 < len(runes) && (isTerminal(runes[i+1]) || isCloser(runes[i+1])) {
			continue
		}
		if last || isCJKTerminal(r) {
			flush()
		}
	}
	flush()
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isCJKTerminal(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', '»', '”', '’':
		return true
	}
	return false
}
