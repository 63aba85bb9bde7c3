package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawContent is the Draft-style raw content shape produced by the rich-text
// editor: an ordered list of blocks and an entity map.
type RawContent struct {
	Blocks    []Block        `json:"blocks"`
	EntityMap map[string]any `json:"entityMap"`
}

// Block is one paragraph-level unit of raw content.
type Block struct {
	Key               string           `json:"key"`
	Text              string           `json:"text"`
	Type              string           `json:"type"`
	Depth             int              `json:"depth"`
	InlineStyleRanges []map[string]any `json:"inlineStyleRanges"`
	EntityRanges      []map[string]any `json:"entityRanges"`
	Data              map[string]any   `json:"data"`
}

// FromText builds raw content with one unstyled block per line of text.
// Block keys are derived from the line index, so the same text always yields
// an Equal Snapshot.
func FromText(text string) Snapshot {
	lines := strings.Split(text, "\n")
	content := RawContent{
		Blocks:    make([]Block, len(lines)),
		EntityMap: map[string]any{},
	}
	for i, line := range lines {
		content.Blocks[i] = Block{
			Key:               blockKey(i),
			Text:              line,
			Type:              "unstyled",
			InlineStyleRanges: []map[string]any{},
			EntityRanges:      []map[string]any{},
			Data:              map[string]any{},
		}
	}

	data, err := json.Marshal(content)
	if err != nil {
		// RawContent holds only strings, ints and empty containers.
		panic(fmt.Sprintf("snapshot: marshal raw content: %v", err))
	}
	return MustParse(string(data))
}

// Text renders the block texts of raw content joined by newlines.
// Content that is not raw content renders as its canonical JSON.
func (s Snapshot) Text() string {
	if s.IsZero() {
		return ""
	}
	var content RawContent
	if err := json.Unmarshal([]byte(s.canonical), &content); err != nil || content.Blocks == nil {
		return s.canonical
	}
	lines := make([]string, len(content.Blocks))
	for i, b := range content.Blocks {
		lines[i] = b.Text
	}
	return strings.Join(lines, "\n")
}

func blockKey(i int) string {
	return fmt.Sprintf("b%04x", i)
}
