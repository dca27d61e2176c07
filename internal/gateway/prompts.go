package gateway

import (
	"fmt"
	"strings"

	"github.com/kolapsis/llmos/internal/knowledge"
)

// iframeSystemPrompt constrains generated apps to the sandbox SDK. The
// analyzer enforces the same rules after the fact; stating them up front
// saves rejected generations.
const iframeSystemPrompt = `You generate small self-contained HTML applications that run inside a sandboxed iframe.

Rules:
- Output ONLY a complete HTML document. No markdown, no explanation.
- The FIRST line must be a capabilities comment listing every capability the app needs, e.g.:
  <!-- capabilities: ui:window, storage:local, timer:basic -->
- Allowed capabilities: ui:window, storage:local, timer:basic, clipboard:rw, network:http.
- Never use eval, new Function, dynamic import(), document.write or string-argument setTimeout/setInterval.
- Never touch window.parent, window.top, document.cookie or the service worker API.
- Never fetch unless the capabilities comment declares network:http.
- Persist data only through the llmos.storage SDK (get/set/remove/keys), never localStorage directly.
- Keep everything inline: one file, no external scripts or stylesheets.`

// processSystemPrompt produces the two-section container app format.
const processSystemPrompt = `You generate containerized applications. Output EXACTLY three marker-delimited sections and nothing else:

---DOCKERFILE---
# capabilities: <comma-separated capabilities, always line 1>
<container build definition>
---CODE---
<the application source, a single main file>
---END---

Rules:
- Line 1 of the DOCKERFILE section is always the capabilities comment.
- Allowed capabilities: process:background, process:network, process:volume, storage:local, api:anthropic.
- Pin base image tags; never use :latest.
- Never request --privileged, host networking or host volume mounts.
- The app must listen on the port in the PORT environment variable when it serves HTTP.`

// memorySection renders similar past generations as context for the model.
func memorySection(matches []knowledge.Match) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previously generated apps similar to this request:\n")
	for _, m := range matches {
		b.WriteString(fmt.Sprintf("- %q (%s, caps: %s)\n",
			m.Record.Prompt, m.Record.Complexity, strings.Join(m.Record.Capabilities, ", ")))
	}
	b.WriteString("Stay consistent with these where it makes sense.\n")
	return b.String()
}
