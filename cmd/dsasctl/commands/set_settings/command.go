package set_settings

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands"
	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/ipc"
	"github.com/immune-gmbh/dsas/pkg/workdir"
	"github.com/immune-gmbh/dsas/server/controller"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	platformsFlag *string
	priorityFlag  *int
	timeoutFlag   *int
	commandFlag   *string
	browserFlag   *string
	routeTypeFlag *string
	routeCountry  *string
	waitTimeout   *time.Duration
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return "<analysis ID>"
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "deliver settings to an analysis waiting in manual mode"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.platformsFlag = flag.String("platforms", "", "comma separated list of 'platform' or 'platform/osversion' entries")
	cmd.priorityFlag = flag.Int("priority", 1, "scheduling priority, higher runs earlier")
	cmd.timeoutFlag = flag.Int("timeout", 0, "per-task run timeout in seconds, 0 uses the node default")
	cmd.commandFlag = flag.String("command", "", "command to launch the target with inside the machine")
	cmd.browserFlag = flag.String("browser", "", "browser to open a URL target with")
	cmd.routeTypeFlag = flag.String("route-type", "", "requested network route type")
	cmd.routeCountry = flag.String("route-country", "", "requested network route exit country")
	cmd.waitTimeout = flag.Duration("socket-timeout", ipc.DefaultTimeout, "socket request timeout")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	if len(args) < 1 {
		return commands.ErrArgs{Err: fmt.Errorf("error: no analysis ID specified")}
	}
	if len(args) > 1 {
		return commands.ErrArgs{Err: fmt.Errorf("error: too many parameters")}
	}
	analysisID := args[0]
	if !workdir.ValidAnalysisID(analysisID) {
		return commands.ErrArgs{Err: workdir.ErrInvalidID{ID: analysisID}}
	}

	settings := analysis.Settings{
		Priority: *cmd.priorityFlag,
		Timeout:  *cmd.timeoutFlag,
		Command:  splitNonEmpty(*cmd.commandFlag, " "),
		Browser:  *cmd.browserFlag,
		Route: analysis.Route{
			Type:    *cmd.routeTypeFlag,
			Country: *cmd.routeCountry,
		},
		Platforms: parsePlatforms(*cmd.platformsFlag),
	}
	if err := settings.Validate(); err != nil {
		return commands.ErrArgs{Err: err}
	}

	client, err := ipc.DialTimeout(cfg.Paths.ControllerSocket(), *cmd.waitTimeout)
	if err != nil {
		return fmt.Errorf("unable to reach the daemon at '%s': %w", cfg.Paths.ControllerSocket(), err)
	}
	defer client.Close()

	return client.Notify(controller.ManualSetSettingsMsg{
		Subject:    controller.SubjectManualSetSettings,
		AnalysisID: analysisID,
		Settings:   settings,
	})
}

func parsePlatforms(s string) []analysis.Platform {
	var result []analysis.Platform
	for _, entry := range splitNonEmpty(s, ",") {
		platform, osVersion, _ := strings.Cut(entry, "/")
		result = append(result, analysis.Platform{
			Platform:  platform,
			OSVersion: osVersion,
		})
	}
	return result
}

func splitNonEmpty(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
