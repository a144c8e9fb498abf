package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/model"
)

type chatView struct {
	resp *core.ChatResponse
}

// Chat renders the per-model breakdown of an aggregated response.
func Chat(resp *core.ChatResponse) View {
	return chatView{resp: resp}
}

func (v chatView) Data() any { return v.resp }

func (v chatView) Table() *Table {
	if v.resp == nil {
		return &Table{Empty: "(no response)"}
	}
	meta := v.resp.Metadata
	title := "strategy: " + string(meta.Strategy)
	if meta.SelectedModel != "" {
		title += ", selected: " + meta.SelectedModel
	}

	t := &Table{
		Title:  title,
		Header: []any{"Model", "Status", "Latency", "Detail"},
	}
	for _, m := range meta.Models {
		status := "ok"
		detail := preview(m.Content, 60)
		if !m.Success {
			status = string(m.ErrorKind)
			detail = preview(m.Error, 60)
		}
		t.Rows = append(t.Rows, []any{m.Name, status, (time.Duration(m.DurationMS) * time.Millisecond).String(), detail})
	}
	t.Footer = []any{
		fmt.Sprintf("%d/%d ok", meta.SuccessfulModels, meta.TotalModels),
		"",
		(time.Duration(meta.LatencyMS) * time.Millisecond).String(),
		fmt.Sprintf("%d tokens", v.resp.Usage.TotalTokens),
	}
	return t
}

type modelView []*model.Descriptor

// Models renders the configured model catalog.
func Models(descriptors []*model.Descriptor) View {
	return modelView(descriptors)
}

// ModelRow is the serialized form of a descriptor. Credentials are never
// included.
type ModelRow struct {
	Name         string        `json:"name"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	BaseURL      string        `json:"base_url,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Credentials  int           `json:"credentials"`
}

func (v modelView) Data() any {
	rows := make([]ModelRow, 0, len(v))
	for _, d := range v {
		rows = append(rows, ModelRow{
			Name:         d.Name,
			Provider:     d.Provider,
			Model:        d.UpstreamModel(),
			BaseURL:      d.BaseURL,
			Capabilities: d.Capabilities,
			Timeout:      d.Timeout,
			Credentials:  len(d.Credentials),
		})
	}
	return rows
}

func (v modelView) Table() *Table {
	t := &Table{
		Title:  "Models",
		Header: []any{"Name", "Provider", "Upstream", "Timeout", "Capabilities"},
		Empty:  "(no models configured)",
	}
	for _, d := range v {
		timeout := "-"
		if d.Timeout > 0 {
			timeout = d.Timeout.String()
		}
		t.Rows = append(t.Rows, []any{d.Name, d.Provider, d.UpstreamModel(), timeout, strings.Join(d.Capabilities, ",")})
	}
	return t
}

func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
