// Package cli provides the command-line interface with injectable io.Writer for testing.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/korovkin/limiter"
	"github.com/mcdonaldj/epack/internal/adapters/execworker"
	"github.com/mcdonaldj/epack/internal/adapters/nativearchive"
	"github.com/mcdonaldj/epack/internal/compare"
	"github.com/mcdonaldj/epack/internal/config"
	"github.com/mcdonaldj/epack/internal/extract"
	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/opener"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/mcdonaldj/epack/internal/progress"
	"github.com/mcdonaldj/epack/internal/selector"
	"github.com/mcdonaldj/epack/internal/session"
	"github.com/mcdonaldj/epack/internal/tui"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
)

// ExitCancelled is the exit code after an interrupted extraction.
const ExitCancelled = 130

// ConfigService provides configuration operations for the CLI.
type ConfigService interface {
	Load() (*config.Config, error)
	LoadFile(path string) (*config.Config, error)
	Save(cfg *config.Config) error
	ConfigPath() (string, error)
	DefaultConfig() *config.Config
}

// CandidatesFunc builds the backend constructors for cfg, in priority order.
type CandidatesFunc func(cfg *config.Config, log *logging.Logger) ([]selector.Candidate, error)

// CLI represents the command-line interface with injectable dependencies.
type CLI struct {
	Out     io.Writer // Standard output
	Err     io.Writer // Standard error
	Version string    // Application version
	Args    []string  // Command arguments (like os.Args)

	// Exit function for testability (defaults to os.Exit)
	Exit func(code int)

	// Context replaces the interrupt-aware default context when set.
	Context context.Context

	// Injectable dependencies (nil means use defaults)
	ConfigSvc  ConfigService
	Candidates CandidatesFunc
	UI         func(opts tui.Options) error
	// Open runs a post-extract action on dir.
	Open func(cfg *config.Config, action, dir string) error

	noColor bool

	// Color functions (can be disabled for testing)
	green  func(a ...interface{}) string
	yellow func(a ...interface{}) string
	cyan   func(a ...interface{}) string
	gray   func(a ...interface{}) string
	red    func(a ...interface{}) string
}

// New creates a new CLI with default settings.
func New(version string) *CLI {
	return &CLI{
		Out:     os.Stdout,
		Err:     os.Stderr,
		Version: version,
		Args:    os.Args,
		Exit:    os.Exit,
		green:   color.New(color.FgGreen, color.Bold).SprintFunc(),
		yellow:  color.New(color.FgYellow).SprintFunc(),
		cyan:    color.New(color.FgCyan).SprintFunc(),
		gray:    color.New(color.FgHiBlack).SprintFunc(),
		red:     color.New(color.FgRed).SprintFunc(),
	}
}

// NewForTesting creates a CLI configured for testing (no colors, captured output).
func NewForTesting(out, errOut io.Writer, args []string) *CLI {
	noColor := func(a ...interface{}) string { return fmt.Sprint(a...) }
	return &CLI{
		Out:     out,
		Err:     errOut,
		Version: "test",
		Args:    args,
		Exit:    func(int) {},
		noColor: true,
		green:   noColor,
		yellow:  noColor,
		cyan:    noColor,
		gray:    noColor,
		red:     noColor,
	}
}

// defaultConfigService wraps the config package functions.
type defaultConfigService struct{}

func (d *defaultConfigService) Load() (*config.Config, error)                { return config.Load() }
func (d *defaultConfigService) LoadFile(path string) (*config.Config, error) { return config.LoadFile(path) }
func (d *defaultConfigService) Save(cfg *config.Config) error                { return cfg.Save() }
func (d *defaultConfigService) ConfigPath() (string, error)                  { return config.ConfigPath() }
func (d *defaultConfigService) DefaultConfig() *config.Config                { return config.DefaultConfig() }

// Helper methods to get the service or default
func (c *CLI) configSvc() ConfigService {
	if c.ConfigSvc != nil {
		return c.ConfigSvc
	}
	return &defaultConfigService{}
}

func (c *CLI) candidates(cfg *config.Config, log *logging.Logger) ([]selector.Candidate, error) {
	if c.Candidates != nil {
		return c.Candidates(cfg, log)
	}
	return selector.Candidates(cfg, log)
}

func (c *CLI) open(cfg *config.Config, action, dir string) error {
	if c.Open != nil {
		return c.Open(cfg, action, dir)
	}
	return opener.FromConfig(cfg).Open(action, dir)
}

func (c *CLI) runUI(opts tui.Options) error {
	if c.UI != nil {
		return c.UI(opts)
	}
	return tui.Run(opts)
}

// exitError carries a specific exit code. A nil err exits without a message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Run executes the CLI with the configured arguments.
func (c *CLI) Run() {
	ctx := c.Context
	if ctx == nil {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
	}

	err := c.Command().Run(ctx, c.Args)
	if err == nil {
		return
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		err = ee.err
	}
	if err != nil {
		fmt.Fprintf(c.Err, "%s %v\n", c.red("Error:"), err)
	}
	c.Exit(code)
}

// Command builds the command tree.
func (c *CLI) Command() *cli.Command {
	return &cli.Command{
		Name:           "epack",
		Usage:          "List and extract archives",
		Version:        c.Version,
		Writer:         c.Out,
		ErrWriter:      c.Err,
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file (default: ~/.epack/config.yaml)"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug output"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "suppress all output except errors"},
		},
		ArgsUsage: "[archive]",
		Action:    c.uiAction,
		Commands: []*cli.Command{
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List archive contents",
				ArgsUsage: "<archive>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "output JSON, one object per archive"},
					backendFlag(),
				},
				Action: c.listAction,
			},
			{
				Name:      "extract",
				Aliases:   []string{"x"},
				Usage:     "Extract an archive",
				ArgsUsage: "<archive>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dest", Aliases: []string{"d"}, Usage: "destination directory (default: next to the archive)"},
					&cli.BoolFlag{Name: "create-folder", Usage: "extract into a folder named after the archive"},
					&cli.BoolFlag{Name: "delete", Usage: "delete the archive after a successful extraction"},
					&cli.StringFlag{Name: "open", Usage: "after extracting: none, files or terminal (default from config)"},
					backendFlag(),
				},
				Action: c.extractAction,
			},
			{
				Name:      "compare",
				Usage:     "Compare the contents of two archives",
				ArgsUsage: "<archive> <archive>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "lines", Usage: "show a line diff of both listings"},
					backendFlag(),
				},
				Action: c.compareAction,
			},
			{
				Name:   "backends",
				Usage:  "Show which backends are available",
				Action: c.backendsAction,
			},
			{
				Name:   "init",
				Usage:  "Create default config file",
				Action: c.initAction,
			},
			{
				Name:  "version",
				Usage: "Show version",
				Action: func(context.Context, *cli.Command) error {
					fmt.Fprintf(c.Out, "epack v%s\n", c.Version)
					return nil
				},
			},
			{
				Name:      "ui",
				Aliases:   []string{"tui"},
				Usage:     "Launch interactive TUI",
				ArgsUsage: "[archive]",
				Flags:     []cli.Flag{backendFlag()},
				Action:    c.uiAction,
			},
			{
				Name:            execworker.Command,
				Hidden:          true,
				SkipFlagParsing: true,
				Action:          c.workerAction,
			},
		},
	}
}

func backendFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "backend",
		Aliases: []string{"b"},
		Usage:   "use only this backend (" + strings.Join(selector.Names(), ", ") + ")",
	}
}

// setup loads the config and builds the logger.
func (c *CLI) setup(cmd *cli.Command) (*config.Config, *logging.Logger, error) {
	svc := c.configSvc()
	var cfg *config.Config
	var err error
	if path := cmd.String("config"); path != "" {
		cfg, err = svc.LoadFile(path)
	} else {
		cfg, err = svc.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	opts := []logging.Option{logging.WithVerbose(cfg.Verbose || cmd.Bool("verbose"))}
	if cmd.Bool("quiet") {
		opts = append(opts, logging.WithQuiet())
	}
	if c.noColor {
		opts = append(opts, logging.WithoutColor())
	}
	return cfg, logging.New(c.Err, opts...), nil
}

// backendCandidates returns the configured candidates, restricted to cmd's --backend
// if given.
func (c *CLI) backendCandidates(cmd *cli.Command, cfg *config.Config, log *logging.Logger) ([]selector.Candidate, error) {
	if only := cmd.String("backend"); only != "" {
		cfg.Backends = []string{only}
	}
	return c.candidates(cfg, log)
}

// backend selects a backend for a single operation.
func (c *CLI) backend(cmd *cli.Command, cfg *config.Config, log *logging.Logger) (ports.Backend, error) {
	candidates, err := c.backendCandidates(cmd, cfg, log)
	if err != nil {
		return nil, err
	}
	return selector.Select(candidates, log)
}

// backendFactory selects a backend and returns its constructor, for commands that
// run several operations at once.
func (c *CLI) backendFactory(cmd *cli.Command, cfg *config.Config, log *logging.Logger) (func() (ports.Backend, error), error) {
	candidates, err := c.backendCandidates(cmd, cfg, log)
	if err != nil {
		return nil, err
	}
	return selector.Factory(candidates, log)
}

// await drives s until its operation has delivered its result. Cancelling ctx
// aborts the operation; the Cancelled result still arrives through Poll.
func await(ctx context.Context, s *session.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	for s.Poll() {
		select {
		case <-s.Ready():
		case <-ticker.C:
		case <-done:
			s.Abort()
			done = nil
		}
	}
}

type listResult struct {
	archive string
	listing ports.Listing
	err     error
}

func (c *CLI) listAction(ctx context.Context, cmd *cli.Command) error {
	archives := cmd.Args().Slice()
	if len(archives) == 0 {
		return errors.New("usage: epack list <archive>...")
	}
	cfg, log, err := c.setup(cmd)
	if err != nil {
		return err
	}
	newBackend, err := c.backendFactory(cmd, cfg, log)
	if err != nil {
		return err
	}

	results := make([]listResult, len(archives))
	limit := limiter.NewConcurrencyLimiter(cfg.ListConcurrency)
	for i, archive := range archives {
		limit.Execute(func() {
			results[i] = c.listOne(ctx, newBackend, archive, cfg.PollInterval, log)
		})
	}
	limit.Wait()

	if cmd.Bool("json") {
		return c.printJSON(results)
	}

	failed := 0
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(c.Err, "%s %s: %v\n", c.red("x"), r.archive, r.err)
			failed++
			continue
		}
		if len(results) > 1 {
			if i > 0 {
				fmt.Fprintln(c.Out)
			}
			fmt.Fprintf(c.Out, "%s:\n", c.cyan(r.archive))
		}
		c.printListing(r.listing)
	}
	if failed > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d of %d archives could not be listed", failed, len(results))}
	}
	return nil
}

// listOne lists archive in its own session over a fresh backend instance.
func (c *CLI) listOne(ctx context.Context, newBackend func() (ports.Backend, error), archive string, interval time.Duration, log *logging.Logger) listResult {
	r := listResult{archive: archive}
	backend, err := newBackend()
	if err != nil {
		r.err = err
		return r
	}
	s := session.New(backend, session.WithLogger(log))
	err = s.ListContent(archive, func(l ports.Listing, err error) {
		r.listing, r.err = l, err
	})
	if err != nil {
		r.err = err
		return r
	}
	await(ctx, s, interval)
	return r
}

func (c *CLI) printListing(l ports.Listing) {
	for _, e := range l.Entries {
		size := fmt.Sprintf("%d", e.Size)
		if e.IsDir {
			size = "-"
		}
		fmt.Fprintf(c.Out, "  %s %10s  %s\n", c.gray(e.FileMode().String()), size, e.Path)
	}
	fmt.Fprintf(c.Out, "%d entries, %s\n", len(l.Entries), c.yellow(ports.FormatSize(l.TotalSize)))
}

type jsonListing struct {
	Archive string `json:"archive"`
	ports.Listing
	Error string `json:"error,omitempty"`
}

func (c *CLI) printJSON(results []listResult) error {
	enc := json.NewEncoder(c.Out)
	enc.SetIndent("", "  ")
	failed := 0
	for _, r := range results {
		out := jsonListing{Archive: r.archive, Listing: r.listing}
		if r.err != nil {
			out.Error = r.err.Error()
			failed++
		}
		if out.Entries == nil {
			out.Entries = []ports.Entry{}
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

func (c *CLI) extractAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: epack extract [-d dest] <archive>")
	}
	cfg, log, err := c.setup(cmd)
	if err != nil {
		return err
	}
	backend, err := c.backend(cmd, cfg, log)
	if err != nil {
		return err
	}

	req := session.ExtractRequest{
		Archive:       cmd.Args().First(),
		Destination:   cfg.Destination,
		CreateFolder:  cfg.CreateFolder,
		DeleteArchive: cfg.DeleteAfterExtract || cmd.Bool("delete"),
	}
	if dest := cmd.String("dest"); dest != "" {
		if req.Destination, err = config.ExpandPath(dest); err != nil {
			return err
		}
	}
	if cmd.IsSet("create-folder") {
		req.CreateFolder = cmd.Bool("create-folder")
	}
	action := cfg.PostExtract
	if cmd.IsSet("open") {
		action = cmd.String("open")
	}
	if !slices.Contains(config.PostExtractActions(), action) {
		return fmt.Errorf("unknown --open action %q (known: %s)", action, strings.Join(config.PostExtractActions(), ", "))
	}

	var bar *progressbar.ProgressBar
	if !cmd.Bool("quiet") {
		bar = progressbar.NewOptions(1000,
			progressbar.OptionSetWriter(c.Err),
			progressbar.OptionSetDescription("Extracting"),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer: "█", SaucerHead: "█", SaucerPadding: "░",
				BarStart: "[", BarEnd: "]",
			}),
		)
	}

	var result progress.Result
	s := session.New(backend, session.WithLogger(log))
	err = s.Extract(req, func(fraction float64, name string) {
		if bar == nil {
			return
		}
		if name != "" {
			bar.Describe(name)
		}
		_ = bar.Set(int(fraction * 1000))
	}, func(r progress.Result) {
		result = r
	})
	if err != nil {
		return err
	}
	await(ctx, s, cfg.PollInterval)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(c.Err)
	}

	switch result.Status {
	case progress.StatusCancelled:
		fmt.Fprintf(c.Err, "%s Extraction cancelled\n", c.yellow("!"))
		return &exitError{code: ExitCancelled}
	case progress.StatusError:
		return result.Err
	}

	fmt.Fprintf(c.Out, "%s Extracted %s into %s\n", c.green("*"), req.Archive, req.Target())
	if req.DeleteArchive {
		fmt.Fprintf(c.Out, "%s Deleted %s\n", c.yellow("-"), req.Archive)
	}
	// The extraction stands even if the follow-up cannot start.
	if err := c.open(cfg, action, req.Target()); err != nil {
		fmt.Fprintf(c.Err, "%s %v\n", c.yellow("!"), err)
	}
	return nil
}

func (c *CLI) compareAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return errors.New("usage: epack compare <archive> <archive>")
	}
	cfg, log, err := c.setup(cmd)
	if err != nil {
		return err
	}
	newBackend, err := c.backendFactory(cmd, cfg, log)
	if err != nil {
		return err
	}

	left, right := cmd.Args().Get(0), cmd.Args().Get(1)
	result, err := compare.Archives(ctx, newBackend, left, right)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Out, "Comparing %s with %s\n\n", c.cyan(left), c.cyan(right))
	if result.Identical() {
		fmt.Fprintln(c.Out, "No differences found")
		return nil
	}
	for _, ch := range result.Changes {
		switch ch.Status {
		case 'M':
			fmt.Fprintf(c.Out, "  %s %s %s\n", c.yellow("M"), ch.Path,
				c.gray(fmt.Sprintf("(%s -> %s)", ports.FormatSize(ch.Size1), ports.FormatSize(ch.Size2))))
		case 'A':
			fmt.Fprintf(c.Out, "  %s %s\n", c.green("A"), ch.Path)
		case 'D':
			fmt.Fprintf(c.Out, "  %s %s\n", c.red("D"), ch.Path)
		}
	}
	fmt.Fprintf(c.Out, "\nModified: %d   Added: %d   Deleted: %d\n", result.Modified, result.Added, result.Deleted)

	if cmd.Bool("lines") {
		fmt.Fprintln(c.Out)
		for _, line := range compare.Lines(result.LeftListing, result.RightListing) {
			switch line.Type {
			case '+':
				fmt.Fprintln(c.Out, c.green("+ "+line.Content))
			case '-':
				fmt.Fprintln(c.Out, c.red("- "+line.Content))
			default:
				fmt.Fprintln(c.Out, c.gray("  "+line.Content))
			}
		}
	}
	return nil
}

func (c *CLI) backendsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := c.setup(cmd)
	if err != nil {
		return err
	}
	candidates, err := c.candidates(cfg, logging.Discard())
	if err != nil {
		return err
	}

	selected := ""
	fmt.Fprintln(c.Out, "Backends (in priority order):")
	for _, cand := range candidates {
		_, err := cand.New()
		switch {
		case err != nil:
			fmt.Fprintf(c.Out, "  %s %-8s %s\n", c.red("x"), cand.Name, c.gray(err.Error()))
		case selected == "":
			selected = cand.Name
			fmt.Fprintf(c.Out, "  %s %-8s %s\n", c.green("*"), cand.Name, c.green("selected"))
		default:
			fmt.Fprintf(c.Out, "  %s %-8s %s\n", c.cyan("-"), cand.Name, "available")
		}
	}
	if selected == "" {
		return ports.ErrBackendUnavailable
	}
	return nil
}

// initAction creates the default config file.
func (c *CLI) initAction(ctx context.Context, cmd *cli.Command) error {
	svc := c.configSvc()
	if err := svc.Save(svc.DefaultConfig()); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	path, err := svc.ConfigPath()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Created config at %s\n", path)
	return nil
}

func (c *CLI) uiAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 1 {
		return errors.New("usage: epack ui [archive]")
	}
	cfg, _, err := c.setup(cmd)
	if err != nil {
		return err
	}
	// The terminal belongs to the TUI; logs would corrupt the screen.
	log := logging.Discard()
	backend, err := c.backend(cmd, cfg, log)
	if err != nil {
		return err
	}
	return c.runUI(tui.Options{
		Config:  cfg,
		Session: session.New(backend, session.WithLogger(log)),
		Archive: cmd.Args().First(),
		Open: func(action, dir string) error {
			return c.open(cfg, action, dir)
		},
	})
}

// workerAction serves one execworker request on stdout using the in-process backend.
func (c *CLI) workerAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := c.configSvc().Load()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	log := logging.New(c.Err, logging.WithoutColor())
	engine := extract.New(nil, extract.WithChunkSize(cfg.ChunkSize), extract.WithLogger(log))
	backend, err := nativearchive.New(nativearchive.WithEngine(engine), nativearchive.WithLogger(log))
	if err != nil {
		return err
	}
	if err := execworker.Serve(ctx, c.Out, backend, cmd.Args().Slice()); err != nil {
		// Already reported as an error event.
		return &exitError{code: 1}
	}
	return nil
}
