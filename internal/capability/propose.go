package capability

import "strings"

// keyword groups used to pre-propose capabilities from a prompt before any
// code exists. The generated code's own declaration still wins at grant time.
var proposalKeywords = []struct {
	cap   string
	words []string
}{
	{CapStorageLocal, []string{"save", "store", "remember", "persist", "note", "todo", "list", "track", "history", "journal"}},
	{CapTimerBasic, []string{"timer", "pomodoro", "countdown", "clock", "stopwatch", "remind", "alarm", "interval"}},
	{CapClipboardRW, []string{"clipboard", "copy", "paste"}},
	{CapNetworkHTTP, []string{"fetch", "http", "api", "weather", "news", "request", "download", "rss", "feed"}},
	{CapProcessBG, []string{"background", "daemon", "watch", "monitor", "poll"}},
	{CapProcessVolume, []string{"file", "files", "folder", "directory", "disk", "upload"}},
	{CapAPIAnthropic, []string{"claude", "anthropic", "chatbot", "assistant", "summarize", "translate"}},
}

// Propose suggests capabilities from prompt keywords. ui:window is always
// included.
func Propose(prompt string) []string {
	lower := strings.ToLower(prompt)
	caps := []string{CapUIWindow}
	for _, group := range proposalKeywords {
		for _, word := range group.words {
			if strings.Contains(lower, word) {
				caps = append(caps, group.cap)
				break
			}
		}
	}
	return caps
}

var processKeywords = []string{
	"server", "daemon", "backend", "database", "scrape", "scraper", "cron",
	"bot", "service", "container", "docker", "python", "node.js", "nodejs",
	"flask", "express", "websocket server", "rest api",
}

// InferAppType gives a keyword routing hint: process for container-backed
// apps, iframe otherwise. The LLM router's classification, when available,
// overrides this.
func InferAppType(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, word := range processKeywords {
		if strings.Contains(lower, word) {
			return "process"
		}
	}
	return "iframe"
}
