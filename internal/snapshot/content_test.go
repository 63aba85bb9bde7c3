package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromText_Deterministic(t *testing.T) {
	a := FromText("hello\nworld")
	b := FromText("hello\nworld")
	c := FromText("hello\nworld!")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestFromText_Shape(t *testing.T) {
	s := FromText("hi")
	assert.Equal(t,
		`{"blocks":[{"data":{},"depth":0,"entityRanges":[],"inlineStyleRanges":[],"key":"b0000","text":"hi","type":"unstyled"}],"entityMap":{}}`,
		s.String())
}

func TestText_RoundTrip(t *testing.T) {
	for _, text := range []string{"", "one line", "two\nlines", "trailing\n"} {
		assert.Equal(t, text, FromText(text).Text(), "text %q", text)
	}
}

func TestText_NonRawContent(t *testing.T) {
	s := MustParse(`{"other":true}`)
	assert.Equal(t, `{"other":true}`, s.Text())
	assert.Equal(t, "", Snapshot{}.Text())
}

func TestText_ParsedRawContent(t *testing.T) {
	s, err := Parse([]byte(`{"blocks":[{"key":"x","text":"A"},{"key":"y","text":"B"}],"entityMap":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "A\nB", s.Text())
}
