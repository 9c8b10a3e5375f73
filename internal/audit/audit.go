// Package audit records CLI command invocations: the command name, which
// config file was loaded, and the operational environment. Secret values are
// reduced to set/unset before they reach the log.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// trackedVar is one environment variable included in the audit record.
// Secret variables are redacted to their presence.
type trackedVar struct {
	name   string
	secret bool
}

// trackedVars is everything a support engineer needs to reproduce a run.
var trackedVars = []trackedVar{
	{name: "MODEL_PROVIDER"},
	{name: "OLLAMA_HOST"},
	{name: "OLLAMA_MODEL"},
	{name: "OPENAI_API_KEY", secret: true},
	{name: "OPENAI_MODEL"},
	{name: "AZURE_OPENAI_API_KEY", secret: true},
	{name: "AZURE_OPENAI_ENDPOINT"},
	{name: "AZURE_OPENAI_DEPLOYMENT"},
	{name: "GOOGLE_API_KEY", secret: true},
	{name: "GEMINI_MODEL"},
	{name: "AWS_REGION"},
	{name: "BEDROCK_MODEL_ID"},
	{name: "EMBEDDING_PROVIDER"},
	{name: "EMBEDDING_MODEL"},
	{name: "EMBEDDING_API_KEY", secret: true},
	{name: "ATLASSIAN_BASE_URL"},
	{name: "ATLASSIAN_EMAIL"},
	{name: "ATLASSIAN_API_TOKEN", secret: true},
	{name: "JIRA_PROJECTS"},
	{name: "CONFLUENCE_SPACES"},
	{name: "KBAI_API_KEY", secret: true},
	{name: "KBAI_DB_PATH"},
	{name: "KBAI_SNAPSHOT_PATH"},
	{name: "LOG_LEVEL"},
	{name: "LOG_FORMAT"},
	{name: "LANGFUSE_PUBLIC_KEY", secret: true},
	{name: "LANGFUSE_SECRET_KEY", secret: true},
}

// LogCommandStart emits one structured entry describing the command about to
// run and the environment it will run under.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := make([]slog.Attr, 0, len(trackedVars)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", describeConfigPath(configPath)),
	)
	for _, v := range trackedVars {
		attrs = append(attrs, slog.String(v.name, Redact(v.name, os.Getenv(v.name))))
	}
	log.LogAttrs(context.TODO(), slog.LevelInfo, "audit: command start", attrs...)
}

// Redact returns a log-safe rendering of an env var value: secret variables
// become "set"/"unset", everything else is the value itself or "unset".
func Redact(name, value string) string {
	secret := false
	for _, v := range trackedVars {
		if v.name == name {
			secret = v.secret
			break
		}
	}
	switch {
	case value == "":
		return "unset"
	case secret:
		return "set"
	default:
		return value
	}
}

// describeConfigPath renders the loaded config path for the audit entry,
// collapsing the home directory and mapping "" to "none".
func describeConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(p, home) {
		return "~" + strings.TrimPrefix(p, home)
	}
	return p
}
