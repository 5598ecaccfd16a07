package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// BuildEpicOutcomeMessage creates Block Kit blocks for an epic terminal
// notification.
func BuildEpicOutcomeMessage(projectName, epicTitle string, success bool, summary string) []goslack.Block {
	emoji := ":white_check_mark:"
	label := "Epic completed"
	if !success {
		emoji = ":x:"
		label = "Epic failed"
	}

	text := fmt.Sprintf("%s *%s* — `%s`: %s", emoji, label, projectName, epicTitle)
	if summary != "" {
		text += "\n" + summary
	}
	if len(text) > maxBlockTextLength {
		text = text[:maxBlockTextLength] + "…"
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildInstanceStaleMessage creates Block Kit blocks for a stale-instance
// notification.
func BuildInstanceStaleMessage(instanceID string) []goslack.Block {
	text := fmt.Sprintf(":hourglass: *Supervisor session stale* — `%s` missed its heartbeat window. It will revive on the next heartbeat or can be closed.", instanceID)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}
