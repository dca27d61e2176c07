package gateway

import (
	"regexp"
	"strings"
)

// ModelHint is an explicit provider/model request embedded in a prompt.
type ModelHint struct {
	Alias    string `json:"alias"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// alias map from prompt shorthand to provider and optional exact model.
var modelAliases = map[string]ModelHint{
	"opus":   {Provider: "claude", Model: "claude-opus-4-6"},
	"sonnet": {Provider: "claude", Model: "claude-sonnet-4-5"},
	"haiku":  {Provider: "claude", Model: "claude-haiku-4-5"},
	"claude": {Provider: "claude"},
	"gpt":    {Provider: "openai"},
	"gpt-4":  {Provider: "openai"},
	"gpt4":   {Provider: "openai"},
	"openai": {Provider: "openai"},
	"ollama": {Provider: "ollama"},
	"local":  {Provider: "ollama"},
}

var aliasGroup = func() string {
	names := make([]string, 0, len(modelAliases))
	for name := range modelAliases {
		names = append(names, regexp.QuoteMeta(name))
	}
	return "(" + strings.Join(names, "|") + ")"
}()

// Hint forms, tried in order: "use|using|with|via|by <alias>",
// a trailing ", <alias>", and a parenthesized "(<alias>)".
var hintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:use|using|with|via|by)\s+` + aliasGroup + `\b`),
	regexp.MustCompile(`(?i),\s*` + aliasGroup + `\s*$`),
	regexp.MustCompile(`(?i)\(\s*` + aliasGroup + `\s*\)`),
}

// ExtractModelHint finds and strips an explicit model request from the
// prompt. Returns the cleaned prompt and the hint, nil when absent.
func ExtractModelHint(prompt string) (string, *ModelHint) {
	for _, re := range hintPatterns {
		match := re.FindStringSubmatch(prompt)
		if match == nil {
			continue
		}
		alias := strings.ToLower(match[1])
		hint, ok := modelAliases[alias]
		if !ok {
			continue
		}
		hint.Alias = alias
		cleaned := strings.Join(strings.Fields(re.ReplaceAllString(prompt, " ")), " ")
		return cleaned, &hint
	}
	return prompt, nil
}
