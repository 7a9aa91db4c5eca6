package validators

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// browserCandidates are tried in order when no binary is configured.
var browserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

const (
	defaultDevServerTimeout = 120 * time.Second
	captureTimeout          = 60 * time.Second
)

// Browser smoke-tests the UI: starts the project's dev server, waits for
// its port, drives a headless browser against the root page, and captures a
// screenshot plus page evidence. passed=false only when navigation fails
// completely; console noise is evidence for the reviewer, not a verdict.
type Browser struct {
	cfg    config.BrowserValidatorConfig
	logger *logging.Logger
}

// NewBrowser creates the browser validator.
func NewBrowser(cfg config.BrowserValidatorConfig, logger *logging.Logger) *Browser {
	return &Browser{cfg: cfg, logger: logger.WithValidator("browser")}
}

func (b *Browser) Name() string { return "browser" }

// Selectable reports true for projects with a UI surface.
func (b *Browser) Selectable(caps core.Capabilities) bool {
	return caps.WebFrontend || caps.Electron || caps.Tauri || caps.Flutter
}

func (b *Browser) ArtifactGlobs() []string {
	return []string{
		"**/*.{ts,tsx,js,jsx,mjs,vue,svelte,dart}",
		"**/*.{css,scss,html}",
		"**/package.json",
		"**/pubspec.yaml",
	}
}

// Run performs the UI smoke test. The dev server tree is killed on every
// exit path.
func (b *Browser) Run(ctx context.Context, vctx core.ValidatorContext) core.ValidatorResult {
	start := time.Now()

	mount := resolveDevServer(vctx)
	if mount == nil {
		return core.Skip("browser", "no dev server command in project index")
	}

	browserBin, err := b.findBrowser()
	if err != nil {
		return core.Skip("browser", err.Error())
	}

	screenshotDir := filepath.Join(vctx.SpecDir, core.ScreenshotsDirName)
	if err := os.MkdirAll(screenshotDir, 0o755); err != nil {
		return core.Skip("browser", fmt.Sprintf("cannot create screenshots dir: %v", err))
	}
	screenshotPath := filepath.Join(screenshotDir, "01-initial-load.png")

	// A port already serving means some other process owns the server;
	// validate against it without starting or killing anything.
	var srv *devServer
	if !portInUse(mount.Port) {
		srv, err = startDevServer(mount.Command, mount.Dir, b.serverEnv())
		if err != nil {
			return core.Skip("browser", err.Error())
		}
		defer srv.stop()
		b.logger.Info("dev server started", "command", mount.Command, "port", mount.Port)

		timeout := b.cfg.DevServerTimeout()
		if timeout <= 0 {
			timeout = defaultDevServerTimeout
		}
		if err := waitForPort(ctx, srv, mount.Port, timeout); err != nil {
			return core.ValidatorResult{
				Name:     "browser",
				Passed:   false,
				Severity: core.SeverityBlocking,
				Summary:  fmt.Sprintf("dev server failed to start: %v", err),
				Evidence: core.ValidatorEvidence{
					Output:     tailOutput(srv.output.String(), 2000),
					FailedStep: "dev_server_start",
				},
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", mount.Port)

	consoleLog, shotErr := b.captureScreenshot(ctx, browserBin, url, screenshotPath, vctx.WorkingDir)
	_, statErr := os.Stat(screenshotPath)
	navigated := shotErr == nil || statErr == nil

	summary, domErr := b.pageSummary(ctx, browserBin, url, vctx.WorkingDir)

	result := core.ValidatorResult{
		Name:       "browser",
		Passed:     navigated,
		Severity:   core.SeverityInfo,
		DurationMs: time.Since(start).Milliseconds(),
		Evidence: core.ValidatorEvidence{
			ConsoleLog: tailOutput(consoleLog, 2000),
			Output:     summary,
		},
	}

	switch {
	case !navigated:
		result.Severity = core.SeverityBlocking
		result.Summary = fmt.Sprintf("navigation to %s failed: %v", url, shotErr)
		result.Evidence.FailedStep = "navigation"
	case domErr != nil:
		result.Summary = fmt.Sprintf("loaded %s, screenshot captured (page summary unavailable: %v)", url, domErr)
		result.Evidence.Screenshots = []string{screenshotPath}
	default:
		result.Summary = fmt.Sprintf("loaded %s, screenshot captured", url)
		result.Evidence.Screenshots = []string{screenshotPath}
	}
	return result
}

// findBrowser resolves the headless browser binary.
func (b *Browser) findBrowser() (string, error) {
	if b.cfg.Binary != "" {
		if path, err := exec.LookPath(b.cfg.Binary); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("configured browser %q not found", b.cfg.Binary)
	}
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no headless browser found (tried %s)", strings.Join(browserCandidates, ", "))
}

// serverEnv propagates the headless hint to the app under test so Electron
// and Flutter harnesses know not to open windows.
func (b *Browser) serverEnv() []string {
	if b.cfg.Headless || headlessForced() {
		return []string{"HEADLESS_BROWSER=true"}
	}
	return nil
}

func headlessForced() bool {
	switch strings.ToLower(os.Getenv("HEADLESS_BROWSER")) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// captureScreenshot drives the browser in headless screenshot mode and
// returns the console/log output it produced.
func (b *Browser) captureScreenshot(ctx context.Context, bin, url, dest, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--hide-scrollbars",
		"--window-size=1280,800",
		"--virtual-time-budget=10000",
		"--enable-logging=stderr",
		"--screenshot="+dest,
		url,
	)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// pageSummary dumps the DOM and condenses it into the interaction summary
// the reviewer reads in place of a full accessibility tree.
func (b *Browser) pageSummary(ctx context.Context, bin, url, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--virtual-time-budget=10000",
		"--dump-dom",
		url,
	)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return summarizeDOM(string(out)), nil
}

var (
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	tagRes  = map[string]*regexp.Regexp{
		"links":    regexp.MustCompile(`(?i)<a[\s>]`),
		"buttons":  regexp.MustCompile(`(?i)<button[\s>]`),
		"inputs":   regexp.MustCompile(`(?i)<(?:input|textarea|select)[\s>]`),
		"headings": regexp.MustCompile(`(?i)<h[1-6][\s>]`),
		"aria":     regexp.MustCompile(`(?i)\saria-[a-z]+=`),
	}
)

func summarizeDOM(dom string) string {
	var sb strings.Builder
	if m := titleRe.FindStringSubmatch(dom); m != nil {
		sb.WriteString("title: " + strings.TrimSpace(m[1]) + "\n")
	}
	for _, key := range []string{"headings", "links", "buttons", "inputs", "aria"} {
		count := len(tagRes[key].FindAllStringIndex(dom, -1))
		fmt.Fprintf(&sb, "%s: %d\n", key, count)
	}
	return strings.TrimSpace(sb.String())
}

var _ core.Validator = (*Browser)(nil)
