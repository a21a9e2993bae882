package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RedactionRule names one sensitive payload field for an event type and
// what to do with it. Actions: "remove" (default) or "hash".
type RedactionRule struct {
	Field  string `mapstructure:"field"`
	Action string `mapstructure:"action"`
}

// RedactionRules maps event type names onto their sensitive fields.
// Fields not listed are visible.
type RedactionRules map[string][]RedactionRule

type redactionDoc struct {
	Rules RedactionRules `mapstructure:"rules"`
}

// LoadRedactionRules reads the rules document once.
func LoadRedactionRules(path string) (RedactionRules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read redaction rules %s: %w", path, err)
	}
	doc := new(redactionDoc)
	if err := v.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal redaction rules: %w", err)
	}
	return doc.Rules, nil
}

// WatchRedactionRules loads the rules document and hot-reloads it on file
// change, handing every successful parse to apply. The initial load must
// succeed; later parse failures keep the previous rule set.
func WatchRedactionRules(path string, logger *slog.Logger, apply func(RedactionRules)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read redaction rules %s: %w", path, err)
	}

	doc := new(redactionDoc)
	if err := v.Unmarshal(doc); err != nil {
		return fmt.Errorf("config: unmarshal redaction rules: %w", err)
	}
	apply(doc.Rules)

	v.OnConfigChange(func(e fsnotify.Event) {
		next := new(redactionDoc)
		if err := v.Unmarshal(next); err != nil {
			logger.Error("redaction rules reload failed, keeping previous set",
				"file", e.Name, "error", err)
			return
		}
		apply(next.Rules)
		logger.Info("redaction rules reloaded", "file", e.Name, "types", len(next.Rules))
	})
	v.WatchConfig()

	return nil
}
