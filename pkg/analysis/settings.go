package analysis

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Route describes the network route an analysis machine should use for
// outgoing traffic of the sample.
type Route struct {
	Type    string   `json:"type"`
	Country string   `json:"country,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Empty reports whether no route was requested.
func (r Route) Empty() bool {
	return r.Type == ""
}

func (r Route) String() string {
	if r.Country != "" {
		return fmt.Sprintf("%s (%s)", r.Type, r.Country)
	}
	return r.Type
}

// PlatformSettings are the per-platform overrides of the analysis-wide
// settings. Empty fields fall back to the analysis-wide value.
type PlatformSettings struct {
	Command []string `json:"command,omitempty"`
	Browser string   `json:"browser,omitempty"`
	Route   Route    `json:"route,omitempty"`
}

// Platform is one requested analysis platform. Tags narrow down the
// machines the platform may run on.
type Platform struct {
	Platform  string           `json:"platform"`
	OSVersion string           `json:"os_version,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
	Settings  PlatformSettings `json:"settings,omitempty"`
}

func (p Platform) String() string {
	if p.OSVersion != "" {
		return fmt.Sprintf("%s %s", p.Platform, p.OSVersion)
	}
	return p.Platform
}

// Settings are the submission settings of an analysis.
type Settings struct {
	Priority  int        `json:"priority"`
	Timeout   int        `json:"timeout"`
	Manual    bool       `json:"manual"`
	Command   []string   `json:"command,omitempty"`
	Browser   string     `json:"browser,omitempty"`
	Route     Route      `json:"route,omitempty"`
	Platforms []Platform `json:"platforms"`
}

// EffectiveSettings resolves the per-platform overrides against the
// analysis-wide defaults.
func (s Settings) EffectiveSettings(p Platform) PlatformSettings {
	eff := p.Settings
	if len(eff.Command) == 0 {
		eff.Command = s.Command
	}
	if eff.Browser == "" {
		eff.Browser = s.Browser
	}
	if eff.Route.Empty() {
		eff.Route = s.Route
	}
	return eff
}

// ErrInvalidSettings implements "error", for the description see Error.
type ErrInvalidSettings struct {
	Err error
}

func (err ErrInvalidSettings) Error() string {
	return fmt.Sprintf("invalid analysis settings: %v", err.Err)
}

func (err ErrInvalidSettings) Unwrap() error {
	return err.Err
}

// Validate checks the settings for values the rest of the pipeline
// cannot work with.
func (s Settings) Validate() error {
	var result *multierror.Error
	if s.Priority < 1 {
		result = multierror.Append(result, fmt.Errorf("priority must be 1 or higher, got %d", s.Priority))
	}
	if s.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("timeout cannot be negative, got %d", s.Timeout))
	}
	for idx, p := range s.Platforms {
		if p.Platform == "" {
			result = multierror.Append(result, fmt.Errorf("platform entry %d has an empty platform name", idx))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return ErrInvalidSettings{Err: err}
	}
	return nil
}
