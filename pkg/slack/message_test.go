package slack

import (
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockText(t *testing.T, blocks []goslack.Block) string {
	t.Helper()
	require.Len(t, blocks, 1)
	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	return section.Text.Text
}

func TestBuildEpicOutcomeMessage(t *testing.T) {
	text := blockText(t, BuildEpicOutcomeMessage("consilio", "Hello module", true, "2 tasks, 2 criteria met"))
	assert.Contains(t, text, "Epic completed")
	assert.Contains(t, text, "consilio")
	assert.Contains(t, text, "Hello module")
	assert.Contains(t, text, "2 criteria met")

	text = blockText(t, BuildEpicOutcomeMessage("consilio", "Hello module", false, "Timeout"))
	assert.Contains(t, text, "Epic failed")
	assert.Contains(t, text, "Timeout")
}

func TestBuildEpicOutcomeMessageTruncates(t *testing.T) {
	long := strings.Repeat("x", 5000)
	text := blockText(t, BuildEpicOutcomeMessage("p", "t", true, long))
	assert.LessOrEqual(t, len(text), maxBlockTextLength+len("…"))
}

func TestBuildInstanceStaleMessage(t *testing.T) {
	text := blockText(t, BuildInstanceStaleMessage("consilio-PS-abc123"))
	assert.Contains(t, text, "consilio-PS-abc123")
	assert.Contains(t, text, "stale")
}

func TestNewServiceRequiresTokenAndChannel(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-1"}))
	assert.Nil(t, NewService(ServiceConfig{Channel: "#c"}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-1", Channel: "#c"}))
}
