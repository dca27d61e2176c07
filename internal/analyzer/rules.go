package analyzer

import "regexp"

type rule struct {
	id          string
	severity    Severity
	pattern     *regexp.Regexp
	description string
}

// codeRules run per line against app bodies. Patterns are compiled once at
// package init; matching carries no state between calls, so repeated
// analyses of the same input are deterministic.
var codeRules = []rule{
	{
		id:          "eval-call",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\beval\s*\(`),
		description: "direct eval of dynamic code",
	},
	{
		id:          "function-constructor",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"` + "`" + `]`),
		description: "Function constructor builds code from strings",
	},
	{
		id:          "indirect-eval",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\(\s*0\s*,\s*eval\s*\)|\[\s*['"]eval['"]\s*\]|['"]ev['"]\s*\+\s*['"]al['"]`),
		description: "indirect or string-built eval access",
	},
	{
		id:          "dynamic-import",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bimport\s*\(`),
		description: "dynamic import() of external code",
	},
	{
		id:          "frame-escape",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\b(?:window\s*\.\s*)?(?:parent|top)\s*\.\s*(?:window|document|location|postMessage|frames)`),
		description: "access to parent or top frame",
	},
	{
		id:          "cookie-access",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`document\s*\.\s*cookie`),
		description: "document.cookie access",
	},
	{
		id:          "string-timer",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"` + "`" + `]`),
		description: "setTimeout/setInterval with a string argument",
	},
	{
		id:          "prototype-pollution",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`__proto__|Object\s*\.\s*(?:assign|defineProperty)\s*\(\s*(?:Object|Array|String|Function)\s*\.\s*prototype`),
		description: "prototype pollution primitive",
	},
	{
		id:          "global-override",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\b(?:window|globalThis|self)\s*\.\s*(?:fetch|XMLHttpRequest|WebSocket|eval|atob)\s*=`),
		description: "overriding a global browser API",
	},
	{
		id:          "inline-handler-danger",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bon(?:click|load|error|mouseover|focus|submit)\s*=\s*["'][^"']*(?:eval|fetch|XMLHttpRequest|import)\s*\(`),
		description: "inline event handler invoking a dangerous API",
	},
	{
		id:          "document-write",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`document\s*\.\s*write(?:ln)?\s*\(`),
		description: "document.write injects markup at parse time",
	},
	{
		id:          "blob-url",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`URL\s*\.\s*createObjectURL\s*\(|new\s+Blob\s*\([^)]*(?:script|javascript)`),
		description: "Blob URL creation can smuggle executable content",
	},
	{
		id:          "shared-array-buffer",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bSharedArrayBuffer\b`),
		description: "SharedArrayBuffer is not permitted in app code",
	},
	{
		id:          "webrtc",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bRTCPeerConnection\b|\bRTCDataChannel\b|\bwebkitRTCPeerConnection\b`),
		description: "WebRTC bypasses the network capability gate",
	},
	{
		id:          "import-scripts",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`\bimportScripts\s*\(`),
		description: "importScripts loads remote worker code",
	},
	{
		id:          "location-redirect",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`(?:window\s*\.\s*)?location\s*\.\s*(?:href|assign|replace)\s*[=(]|window\s*\.\s*location\s*=`),
		description: "navigation away from the sandboxed document",
	},
	{
		id:          "postmessage-wildcard",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`postMessage\s*\([^)]*,\s*['"]\*['"]`),
		description: "postMessage with wildcard target origin",
	},
	{
		id:          "service-worker",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`navigator\s*\.\s*serviceWorker|serviceWorker\s*\.\s*register`),
		description: "service worker registration outlives the app",
	},
	{
		id:          "iframe-injection",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`createElement\s*\(\s*['"]iframe['"]\s*\)|<iframe[^>]*\bsrcdoc\b`),
		description: "nested iframe injection",
	},
	{
		id:          "network-primitive",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`\bfetch\s*\(|\bnew\s+XMLHttpRequest\b|\bnew\s+WebSocket\b|\bnew\s+EventSource\b`),
		description: "direct network primitive; requires network:http",
	},
	{
		id:          "beacon-exfil",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`navigator\s*\.\s*sendBeacon\s*\(|new\s+Image\s*\([^)]*\)\s*\.\s*src\s*=`),
		description: "image/beacon request can exfiltrate data",
	},
	{
		id:          "encoded-payload",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`\batob\s*\(|String\s*\.\s*fromCharCode\s*\(`),
		description: "base64/fromCharCode decoded payload",
	},
	{
		id:          "mutation-observer",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`new\s+MutationObserver\s*\(`),
		description: "MutationObserver watches the document",
	},
	{
		id:          "frame-probe",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`\bcontentWindow\b|\bframeElement\b`),
		description: "contentWindow/frameElement frame probing",
	},
	{
		id:          "dns-prefetch",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`rel\s*=\s*["'](?:dns-prefetch|preconnect)["']`),
		description: "dns-prefetch/preconnect leaks target hosts",
	},
	{
		id:          "css-remote",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`@import\s+(?:url\s*\()?\s*['"]?https?://|url\s*\(\s*['"]?https?://`),
		description: "CSS fetching a remote origin",
	},
	{
		id:          "inner-html",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`\.\s*innerHTML\s*[+]?=`),
		description: "innerHTML assignment; prefer textContent",
	},
}

// blockRules run once over the whole body for constructs that span lines.
var blockRules = []rule{
	{
		id:          "svg-script",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`(?s)<svg[^>]*>.*?<script`),
		description: "SVG containing an inline script",
	},
}

// dockerRules run per line against container recipes.
var dockerRules = []rule{
	{
		id:          "privileged",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`--privileged\b`),
		description: "privileged container execution",
	},
	{
		id:          "host-network",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`--net(?:work)?[=\s]+host\b`),
		description: "host network mode",
	},
	{
		id:          "rootfs-mount",
		severity:    SeverityCritical,
		pattern:     regexp.MustCompile(`(?:-v|--volume)[=\s]+/:`),
		description: "host root filesystem volume mount",
	},
	{
		id:          "latest-tag",
		severity:    SeverityWarning,
		pattern:     regexp.MustCompile(`(?i)^\s*FROM\s+[^:\s]+(?::latest)?\s*(?:\s+AS\s+\S+)?\s*$`),
		description: "unpinned base image tag",
	},
}
