package notify

import (
	"fmt"
	"time"

	"autoinvest/internal/core"
)

// Embed colors
const (
	colorGreen  = 0x00ff00
	colorRed    = 0xff0000
	colorOrange = 0xffaa00
	colorBlue   = 0x0099ff
)

// maxDetailLines caps the per-order lines in a report embed
const maxDetailLines = 5

// Embed is a Discord-compatible webhook embed
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// Payload is the webhook request body
type Payload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []Embed `json:"embeds"`
}

// runReportEmbed renders one engine run: green when everything placed, red
// when everything failed, orange for a mixed outcome.
func runReportEmbed(result *core.AggregateResult) Embed {
	color := colorGreen
	switch {
	case result.Err != "":
		color = colorRed
	case result.Failures > 0 && result.Successes == 0:
		color = colorRed
	case result.Failures > 0:
		color = colorOrange
	}

	embed := Embed{
		Title:     "📊 Recurring Orders Execution Report",
		Color:     color,
		Timestamp: result.FinishedAt.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: fmt.Sprintf("completed in %s", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))},
		Fields: []EmbedField{
			{Name: "Total", Value: fmt.Sprintf("%d", result.Total), Inline: true},
			{Name: "Successful", Value: fmt.Sprintf("%d", result.Successes), Inline: true},
			{Name: "Failed", Value: fmt.Sprintf("%d", result.Failures), Inline: true},
			{Name: "Total Invested", Value: "$" + result.TotalNotional.StringFixed(2), Inline: true},
		},
	}

	if result.Err != "" {
		embed.Description = "⚠️ Run aborted: " + result.Err
		return embed
	}

	details := ""
	for i, r := range result.Results {
		if i == maxDetailLines {
			details += fmt.Sprintf("... and %d more\n", len(result.Results)-maxDetailLines)
			break
		}
		details += orderLine(r) + "\n"
	}
	if details != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Orders", Value: details})
	}
	return embed
}

func orderLine(r core.ExecutionResult) string {
	switch r.Outcome {
	case core.OutcomePlaced:
		return fmt.Sprintf("✅ %s: %d @ $%s (order %s)",
			r.Symbol, r.RequestedQty, r.FillPrice.StringFixed(2), r.OrderID)
	case core.OutcomeSkipped:
		return fmt.Sprintf("⏭️ %s: skipped (%s)", r.Symbol, r.Message)
	default:
		return fmt.Sprintf("❌ %s: %s", r.Symbol, r.Message)
	}
}

// noOrdersEmbed renders an informational tick with an empty due set
func noOrdersEmbed(report core.NoOrdersReport) Embed {
	description := fmt.Sprintf("No orders due today. %d active order(s) on the sheet.", report.ActiveOrders)
	embed := Embed{
		Title:       "ℹ️ No Orders Due",
		Description: description,
		Color:       colorBlue,
		Timestamp:   report.CheckedAt.UTC().Format(time.RFC3339),
	}
	if len(report.Upcoming) > 0 {
		upcoming := ""
		for _, u := range report.Upcoming {
			upcoming += "• " + u + "\n"
		}
		embed.Fields = append(embed.Fields, EmbedField{Name: "Upcoming", Value: upcoming})
	}
	if report.NextFireTime != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Next Run", Value: report.NextFireTime, Inline: true})
	}
	return embed
}

// systemEmbed renders lifecycle and health notifications
func systemEmbed(title, message string, isError bool, at time.Time) Embed {
	color := colorGreen
	icon := "✅"
	if isError {
		color = colorRed
		icon = "🚨"
	}
	return Embed{
		Title:       icon + " " + title,
		Description: message,
		Color:       color,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}
