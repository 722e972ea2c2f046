// File: cmd/resolve.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/engine"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/observability"
	"github.com/xkilldash9x/autoheal/internal/service"
)

type resolveFlags struct {
	hint        string
	description string
	url         string
	htmlFile    string
	driver      string
	strategy    string
	tag         string
	dialect     string
	all         bool
	noCache     bool
	timeout     time.Duration
}

// resolveReport is the JSON written to stdout for a resolution.
type resolveReport struct {
	ID             string                   `json:"id,omitempty"`
	Hint           string                   `json:"hint"`
	Selector       string                   `json:"selector,omitempty"`
	Rendered       string                   `json:"rendered,omitempty"`
	Source         string                   `json:"source,omitempty"`
	Healed         bool                     `json:"healed"`
	Fingerprint    string                   `json:"fingerprint,omitempty"`
	Trace          []engine.State           `json:"trace,omitempty"`
	Strategies     []string                 `json:"strategies,omitempty"`
	Adaptations    []string                 `json:"adaptations,omitempty"`
	Disambiguation string                   `json:"disambiguation,omitempty"`
	ElapsedMillis  int64                    `json:"elapsed_ms"`
	Elements       []schemas.ElementSummary `json:"elements"`
	Cache          cache.Stats              `json:"cache"`
}

func newResolveCmd(factory service.ComponentFactory) *cobra.Command {
	var flags resolveFlags

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a locator hint against a page, healing it if it no longer matches.",
		Long: `Resolve tries the hint first, then a previously healed selector from the cache, then asks
the configured AI backend for replacements. The outcome is printed as JSON.`,
		Example: `  autoheal resolve --html-file login.html --hint "#login-btn" --description "Login button"
  autoheal resolve --url https://shop.example --driver playwright \
      --hint "getByRole('button', { name: 'Add' })" --description "Add to cart for the Phone"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), configFrom(cmd), flags, factory, observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.hint, "hint", "", "locator hint to resolve")
	f.StringVar(&flags.description, "description", "", "natural-language description of the element")
	f.StringVar(&flags.url, "url", "", "page to open with a browser driver")
	f.StringVar(&flags.htmlFile, "html-file", "", "static HTML document to resolve against (selects the html driver)")
	f.StringVar(&flags.driver, "driver", "", "driver: html, playwright or cdp (overrides browser.driver)")
	f.StringVar(&flags.strategy, "strategy", "", "analysis policy (overrides engine.strategy)")
	f.StringVar(&flags.tag, "tag", "", "context tag separating cache entries")
	f.StringVar(&flags.dialect, "dialect", "", "also render the resolved selector as js, java, python or css")
	f.BoolVar(&flags.all, "all", false, "return every matching element instead of choosing one")
	f.BoolVar(&flags.noCache, "no-cache", false, "skip the selector cache")
	f.DurationVar(&flags.timeout, "timeout", 0, "resolution timeout (overrides engine.resolution_timeout)")
	_ = cmd.MarkFlagRequired("hint")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

// runResolve contains the testable logic of the resolve command.
func runResolve(ctx context.Context, cfg *config.Config, flags resolveFlags, factory service.ComponentFactory, logger *zap.Logger, out io.Writer) error {
	cfg, target, err := applyResolveFlags(cfg, flags)
	if err != nil {
		return err
	}

	var dialect locator.Dialect
	if flags.dialect != "" {
		if dialect, err = locator.ParseDialect(flags.dialect); err != nil {
			return err
		}
	}

	components, err := factory.Create(ctx, cfg, target, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	var opts []engine.ResolveOption
	if flags.tag != "" {
		opts = append(opts, engine.WithContextTag(flags.tag))
	}
	if flags.noCache {
		opts = append(opts, engine.WithoutCache())
	}
	if flags.timeout > 0 {
		opts = append(opts, engine.WithTimeout(flags.timeout))
	}

	report := resolveReport{Hint: flags.hint}
	var handles []schemas.ElementHandle
	if flags.all {
		handles, err = components.Engine.ResolveAll(ctx, flags.hint, flags.description, opts...)
		if err != nil {
			return err
		}
		if len(handles) > 0 {
			report.Selector = handles[0].Selector()
		}
	} else {
		res, err := components.Engine.ResolveDetailed(ctx, flags.hint, flags.description, opts...)
		if err != nil {
			return err
		}
		handles = []schemas.ElementHandle{res.Handle}
		report.ID = res.ID
		report.Selector = res.Selector
		report.Source = res.Source
		report.Healed = res.Healed
		report.Fingerprint = res.Fingerprint
		report.Trace = res.Trace
		report.Strategies = res.Strategies
		report.Adaptations = res.Adaptations
		report.ElapsedMillis = res.Elapsed.Milliseconds()
		if res.Disambiguation != nil {
			report.Disambiguation = string(res.Disambiguation.Method)
		}
	}

	report.Elements = make([]schemas.ElementSummary, 0, len(handles))
	for _, h := range handles {
		sum, err := components.Driver.Describe(ctx, h)
		if err != nil {
			logger.Warn("Failed to describe resolved element.", zap.Int("index", h.Index()), zap.Error(err))
			continue
		}
		report.Elements = append(report.Elements, sum)
	}

	if dialect != "" && report.Selector != "" {
		report.Rendered, err = renderSelector(report.Selector, dialect, cfg.Browser.TestIDAttribute)
		if err != nil {
			logger.Warn("Resolved selector cannot be rendered in the requested dialect.",
				zap.String("dialect", string(dialect)), zap.Error(err))
		}
	}
	report.Cache = components.Engine.CacheStats()

	return writeJSON(out, report)
}

// applyResolveFlags copies cfg with the command-line overrides applied and loads the target.
func applyResolveFlags(base *config.Config, flags resolveFlags) (*config.Config, service.Target, error) {
	cfg := *base
	target := service.Target{URL: flags.url}

	switch {
	case flags.driver != "":
		cfg.Browser.Driver = flags.driver
	case flags.htmlFile != "":
		cfg.Browser.Driver = config.DriverHTML
	}

	if flags.strategy != "" {
		policy := config.NormalizeStrategy(flags.strategy)
		if policy == "" {
			return nil, target, fmt.Errorf("unknown strategy %q", flags.strategy)
		}
		cfg.Engine.Strategy = policy
	}

	if flags.htmlFile != "" {
		doc, err := os.ReadFile(flags.htmlFile)
		if err != nil {
			return nil, target, fmt.Errorf("failed to read html file: %w", err)
		}
		target.HTML = string(doc)
	}
	if cfg.Browser.Driver == config.DriverHTML && target.HTML == "" {
		return nil, target, fmt.Errorf("--html-file is required with the html driver")
	}
	if cfg.Browser.Driver != config.DriverHTML && target.URL == "" {
		return nil, target, fmt.Errorf("--url is required with the %s driver", cfg.Browser.Driver)
	}
	return &cfg, target, nil
}

func renderSelector(selector string, dialect locator.Dialect, testIDAttr string) (string, error) {
	d, err := locator.Parse(selector)
	if err != nil {
		return "", err
	}
	if dialect == locator.DialectCSS && testIDAttr != "" {
		return locator.RenderCSS(d, testIDAttr)
	}
	return locator.Render(d, dialect)
}

func writeJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
