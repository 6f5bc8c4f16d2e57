package orchestrator

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hupe1980/agentbridge/core"
)

// Renderer turns the agent's messages of one run into a channel reply.
type Renderer interface {
	Render(msgs []core.Message) *core.ChannelReply
}

// MarkdownRenderer joins the text segments and renders them to HTML with
// goldmark (GitHub flavoured). Generated files become attachments.
type MarkdownRenderer struct {
	md goldmark.Markdown
	// Empty is used when the run produced no text and no files.
	Empty string
}

// NewMarkdownRenderer creates a renderer.
func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{
		md:    goldmark.New(goldmark.WithExtensions(extension.GFM)),
		Empty: "I don't have an answer for that.",
	}
}

// Render implements Renderer.
func (r *MarkdownRenderer) Render(msgs []core.Message) *core.ChannelReply {
	var parts []string
	var files []core.FileRef
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if txt := strings.TrimSpace(m.JoinedText()); txt != "" {
			parts = append(parts, txt)
		}
		for _, f := range m.Files {
			if _, dup := seen[f.FileID]; dup {
				continue
			}
			seen[f.FileID] = struct{}{}
			files = append(files, f)
		}
	}

	reply := &core.ChannelReply{Text: strings.Join(parts, "\n\n"), Attachments: files}
	if reply.Text == "" {
		if len(files) > 0 {
			return reply
		}
		reply.Text = r.Empty
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(reply.Text), &buf); err == nil {
		reply.HTML = buf.String()
	}
	return reply
}
