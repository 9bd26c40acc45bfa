package display

import (
	"fmt"
	"strings"
)

// Config holds the CLI output options
type Config struct {
	ColorEnabled  bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	Theme         string `mapstructure:"theme" yaml:"theme"`
	OutputFormat  string `mapstructure:"output_format" yaml:"output_format"`
	TableStyle    string `mapstructure:"table_style" yaml:"table_style"`
	MaxTableWidth int    `mapstructure:"max_table_width" yaml:"max_table_width"`
}

// OutputFormat represents different output format options
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ThemeName represents available color themes
type ThemeName string

const (
	ThemeDark         ThemeName = "dark"
	ThemeLight        ThemeName = "light"
	ThemeHighContrast ThemeName = "high-contrast"
	ThemePlain        ThemeName = "plain"
	ThemeAuto         ThemeName = "auto"
)

var (
	validThemes      = []string{string(ThemeDark), string(ThemeLight), string(ThemeHighContrast), string(ThemePlain), string(ThemeAuto)}
	validFormats     = []string{string(FormatTable), string(FormatJSON), string(FormatYAML)}
	validTableStyles = []string{"default", "rounded", "compact", "grid"}
)

// DefaultConfig returns a default display configuration
func DefaultConfig() *Config {
	return &Config{
		ColorEnabled:  true,
		Theme:         string(ThemeAuto),
		OutputFormat:  string(FormatTable),
		TableStyle:    "default",
		MaxTableWidth: 0,
	}
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Theme == "" {
		c.Theme = string(ThemeAuto)
	}
	if c.OutputFormat == "" {
		c.OutputFormat = string(FormatTable)
	}
	if c.TableStyle == "" {
		c.TableStyle = "default"
	}
}

// Validate checks the enumerated fields
func (c *Config) Validate() error {
	if !contains(validThemes, c.Theme) {
		return fmt.Errorf("invalid theme '%s', must be one of: %s", c.Theme, strings.Join(validThemes, ", "))
	}
	if !contains(validFormats, c.OutputFormat) {
		return fmt.Errorf("invalid output format '%s', must be one of: %s", c.OutputFormat, strings.Join(validFormats, ", "))
	}
	if !contains(validTableStyles, c.TableStyle) {
		return fmt.Errorf("invalid table style '%s', must be one of: %s", c.TableStyle, strings.Join(validTableStyles, ", "))
	}
	if c.MaxTableWidth != 0 && (c.MaxTableWidth < 40 || c.MaxTableWidth > 300) {
		return fmt.Errorf("max table width must be between 40 and 300, got %d", c.MaxTableWidth)
	}
	return nil
}

// Format returns the configured output format
func (c *Config) Format() OutputFormat {
	return OutputFormat(c.OutputFormat)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
