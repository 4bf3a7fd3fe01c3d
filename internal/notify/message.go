package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/ppiankov/patchgate/internal/approval"
)

// Button action IDs carried back in interactive callbacks.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

func mrkdwn(format string, args ...any) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, true, false)
}

func title(req *approval.Request) string {
	d := req.Details
	switch req.Action {
	case approval.ActionRollback:
		return fmt.Sprintf("Approval required: roll back %s", d.Component)
	case approval.ActionMaintenanceWindow:
		return "Approval required: maintenance window"
	default:
		return fmt.Sprintf("Approval required: update %s", d.Component)
	}
}

func fields(req *approval.Request) []*slack.TextBlockObject {
	d := req.Details
	out := []*slack.TextBlockObject{}
	if d.Component != "" {
		out = append(out, mrkdwn("*Component:*\n%s", d.Component))
	}
	out = append(out, mrkdwn("*Risk tier:*\n%s", d.RiskLevel))
	if d.FromVersion != "" || d.ToVersion != "" {
		out = append(out, mrkdwn("*Version:*\n%s → %s", orUnknown(d.FromVersion), orUnknown(d.ToVersion)))
	}
	if d.BackupFilename != "" {
		out = append(out, mrkdwn("*Restore backup:*\n`%s`", d.BackupFilename))
	}
	if req.Action == approval.ActionMaintenanceWindow {
		out = append(out,
			mrkdwn("*Start:*\n%s", d.StartTime),
			mrkdwn("*Duration:*\n%d min", d.DurationMinutes),
		)
		planned := make([]string, len(d.Updates))
		for i, u := range d.Updates {
			planned[i] = u.Component + " → " + u.Version
		}
		out = append(out, mrkdwn("*Updates:*\n%s", strings.Join(planned, "\n")))
	}
	if d.Reason != "" {
		out = append(out, mrkdwn("*Reason:*\n%s", d.Reason))
	}
	out = append(out,
		mrkdwn("*Approval ID:*\n`%s`", req.ID),
		mrkdwn("*Expires:*\n%s", req.ExpiresAt.UTC().Format(time.RFC1123)),
	)
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ApprovalMessage renders the interactive message posted when a request
// is created. Both buttons carry the approval ID as their value.
func ApprovalMessage(req *approval.Request) *slack.WebhookMessage {
	approve := slack.NewButtonBlockElement(ActionApprove, req.ID, plain("Approve")).WithStyle(slack.StylePrimary)
	deny := slack.NewButtonBlockElement(ActionDeny, req.ID, plain("Deny")).WithStyle(slack.StyleDanger)

	// Slack caps a section at ten fields.
	fs := fields(req)
	if len(fs) > 10 {
		fs = fs[:10]
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(title(req))),
		slack.NewSectionBlock(nil, fs, nil),
		slack.NewActionBlock("approval:"+req.ID, approve, deny),
	}
	return &slack.WebhookMessage{
		Text:   title(req),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

// OutcomeMessage replaces the original interactive message once a
// decision has been handled, removing the buttons.
func OutcomeMessage(text string) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text:            text,
		ReplaceOriginal: true,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(mrkdwn("%s", text), nil, nil),
		}},
	}
}
