package submit

import (
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands"
	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	urlFlag       *string
	platformsFlag *string
	priorityFlag  *int
	timeoutFlag   *int
	manualFlag    *bool
	commandFlag   *string
	browserFlag   *string
	routeTypeFlag *string
	routeCountry  *string
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return "[<sample file>]"
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "submit a file or URL for analysis"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.urlFlag = flag.String("url", "", "submit a URL target instead of a file")
	cmd.platformsFlag = flag.String("platforms", "", "comma separated list of 'platform' or 'platform/osversion' entries; empty means any identified platform")
	cmd.priorityFlag = flag.Int("priority", 1, "scheduling priority, higher runs earlier")
	cmd.timeoutFlag = flag.Int("timeout", 0, "per-task run timeout in seconds, 0 uses the node default")
	cmd.manualFlag = flag.Bool("manual", false, "hold the analysis for manual settings after identification")
	cmd.commandFlag = flag.String("command", "", "command to launch the target with inside the machine")
	cmd.browserFlag = flag.String("browser", "", "browser to open a URL target with")
	cmd.routeTypeFlag = flag.String("route-type", "", "requested network route type")
	cmd.routeCountry = flag.String("route-country", "", "requested network route exit country")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	target, samplePath, err := cmd.target(args)
	if err != nil {
		return err
	}

	settings := analysis.Settings{
		Priority: *cmd.priorityFlag,
		Timeout:  *cmd.timeoutFlag,
		Manual:   *cmd.manualFlag,
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

	id := workdir.NewAnalysisID(time.Now())
	a := analysis.New(id, settings, target)
	paths := cfg.Paths.Analysis(id)
	if err := os.MkdirAll(paths.Dir(), 0o755); err != nil {
		return fmt.Errorf("unable to create the analysis directory: %w", err)
	}
	if samplePath != "" {
		if err := copyFile(samplePath, paths.Sample()); err != nil {
			return fmt.Errorf("unable to store the sample: %w", err)
		}
	}

	docs, err := docfile.New(1)
	if err != nil {
		return err
	}
	if err := docs.Save(paths.Document(), a); err != nil {
		return fmt.Errorf("unable to write the analysis document: %w", err)
	}

	// The marker makes the daemon pick the analysis up, whether it is
	// running right now or starts later.
	marker, err := os.OpenFile(cfg.Paths.Untracked(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create the untracked marker: %w", err)
	}
	marker.Close()

	if !cfg.IsQuiet {
		fmt.Printf("%s\n", id)
	}
	return nil
}

func (cmd Command) target(args []string) (*analysis.Target, string, error) {
	if *cmd.urlFlag != "" {
		if len(args) != 0 {
			return nil, "", commands.ErrArgs{Err: fmt.Errorf("error: both a URL and a sample file given")}
		}
		return &analysis.Target{
			Category: analysis.CategoryURL,
			URL:      *cmd.urlFlag,
		}, "", nil
	}

	if len(args) < 1 {
		return nil, "", commands.ErrArgs{Err: fmt.Errorf("error: no sample file specified")}
	}
	if len(args) > 1 {
		return nil, "", commands.ErrArgs{Err: fmt.Errorf("error: too many parameters")}
	}
	samplePath := args[0]
	if _, err := os.Stat(samplePath); err != nil {
		return nil, "", commands.ErrArgs{Err: fmt.Errorf("unable to access '%s': %w", samplePath, err)}
	}

	target := &analysis.Target{
		Category:  analysis.CategoryFile,
		Filename:  filepath.Base(samplePath),
		MediaType: mime.TypeByExtension(filepath.Ext(samplePath)),
	}
	if err := target.FileIdentity(samplePath); err != nil {
		return nil, "", fmt.Errorf("unable to hash '%s': %w", samplePath, err)
	}
	return target, samplePath, nil
}

// parsePlatforms turns "windows/10,linux" into platform requests.
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

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
