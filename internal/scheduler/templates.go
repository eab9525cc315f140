package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// TemplateConfig holds per-event-type message template overrides loaded
	// from the optional .chime.yaml project file.
	TemplateConfig struct {
		// MessageTemplates maps event type names (e.g. "BIRTHDAY") to message
		// templates. Templates may reference {fullName}.
		MessageTemplates map[string]string `yaml:"message_templates"`
	}
)

// DefaultTemplateConfig returns the built-in templates.
func DefaultTemplateConfig() *TemplateConfig {
	return &TemplateConfig{
		MessageTemplates: map[string]string{
			string(EventTypeBirthday): DefaultBirthdayTemplate,
		},
	}
}

// LoadTemplateConfig reads template overrides from the given YAML file.
//
// A missing file is not an error: the scheduler degrades to the built-in
// templates and logs at debug level. A present but malformed file is an error,
// because silently ignoring an operator's explicit configuration would be worse
// than failing fast.
func LoadTemplateConfig(path string, logger *slog.Logger) (*TemplateConfig, error) {
	cfg := DefaultTemplateConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no template config file, using built-in templates", "path", path)

			return cfg, nil
		}

		return nil, fmt.Errorf("failed to read template config %s: %w", path, err)
	}

	var loaded TemplateConfig
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse template config %s: %w", path, err)
	}

	for eventType, template := range loaded.MessageTemplates {
		if strings.TrimSpace(template) == "" {
			return nil, fmt.Errorf("%w: empty template for event type %q in %s", ErrValidation, eventType, path)
		}

		cfg.MessageTemplates[eventType] = template
	}

	logger.Info("loaded message templates", "path", path, "overrides", len(loaded.MessageTemplates))

	return cfg, nil
}

// Template returns the template for the given event type, falling back to the
// built-in default when no override exists.
func (c *TemplateConfig) Template(eventType EventType) string {
	if t, ok := c.MessageTemplates[string(eventType)]; ok {
		return t
	}

	return DefaultBirthdayTemplate
}
