package server

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	manta "github.com/rheza/manta"
)

var exportMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// handleExport renders the persisted transcript as a standalone HTML page.
// Assistant content is markdown-rendered; everything else is escaped text.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	conv, err := s.store.Get(r.Context(), convID)
	if err != nil {
		if errors.Is(err, manta.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Conversation %s</title>\n", html.EscapeString(conv.ID))
	b.WriteString(`<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.msg { margin: 1.5rem 0; }
.meta { color: #666; font-size: 0.8rem; }
.user .body { background: #eef; padding: 0.5rem 1rem; border-radius: 6px; }
.tool .body { background: #f6f6f6; padding: 0.5rem 1rem; border-radius: 6px; font-family: monospace; white-space: pre-wrap; font-size: 0.85rem; }
.files { font-size: 0.8rem; color: #357; }
</style>
</head>
<body>
`)
	fmt.Fprintf(&b, "<h1>Conversation %s</h1>\n", html.EscapeString(conv.ID))

	for _, m := range conv.Messages {
		if m.Status == manta.StatusInProgress {
			continue
		}
		fmt.Fprintf(&b, "<div class=\"msg %s\">\n", html.EscapeString(m.Role))
		ts := time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		label := m.Role
		if m.Role == manta.RoleTool && m.Name != "" {
			label = "tool: " + m.Name
		}
		fmt.Fprintf(&b, "<div class=\"meta\">%s · %s</div>\n", html.EscapeString(label), ts)

		switch m.Role {
		case manta.RoleAssistant:
			var rendered bytes.Buffer
			if err := exportMarkdown.Convert([]byte(m.Content), &rendered); err != nil {
				fmt.Fprintf(&b, "<div class=\"body\">%s</div>\n", html.EscapeString(m.Content))
			} else {
				fmt.Fprintf(&b, "<div class=\"body\">%s</div>\n", rendered.String())
			}
		default:
			fmt.Fprintf(&b, "<div class=\"body\">%s</div>\n", html.EscapeString(m.Content))
		}

		if len(m.GeneratedFiles) > 0 {
			b.WriteString("<div class=\"files\">files: ")
			for i, f := range m.GeneratedFiles {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(html.EscapeString(f))
			}
			b.WriteString("</div>\n")
		}
		b.WriteString("</div>\n")
	}
	b.WriteString("</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(b.Bytes())
}
