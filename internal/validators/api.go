package validators

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const (
	probeTimeout = 5 * time.Second
	maxProbes    = 8
)

// healthPaths are tried until one answers; the first hit is the health probe.
var healthPaths = []string{"/health", "/healthz", "/api/health", "/status"}

// API probes a running service: a health endpoint plus one representative
// GET per OpenAPI resource, reporting non-2xx and 5xx counts. It never owns
// the server lifecycle; an unreachable server skips rather than fails.
type API struct {
	client *http.Client
	logger *logging.Logger
}

// NewAPI creates the API validator.
func NewAPI(logger *logging.Logger) *API {
	return &API{
		client: &http.Client{Timeout: probeTimeout},
		logger: logger.WithValidator("api"),
	}
}

func (a *API) Name() string { return "api" }

func (a *API) Selectable(caps core.Capabilities) bool { return caps.HasAPI }

func (a *API) ArtifactGlobs() []string {
	return []string{
		"**/*.{go,py,rb,ts,js}",
		"**/openapi.{yaml,yml,json}",
		"**/swagger.json",
	}
}

type probeOutcome struct {
	path   string
	status int
	err    error
}

// Run issues the probe set against the indexed base URL.
func (a *API) Run(ctx context.Context, vctx core.ValidatorContext) core.ValidatorResult {
	start := time.Now()

	baseURL, manifest := a.resolveTarget(vctx)
	if baseURL == "" {
		return core.Skip("api", "no api base url or dev port in project index")
	}

	paths := a.probePaths(vctx, manifest)
	a.logger.Debug("probing api", "base_url", baseURL, "probes", len(paths))

	outcomes := make([]probeOutcome, 0, len(paths))
	reachable := false
	for _, p := range paths {
		if ctx.Err() != nil {
			return core.Skip("api", "cancelled")
		}
		outcome := a.probe(ctx, baseURL, p)
		if outcome.err == nil {
			reachable = true
		}
		outcomes = append(outcomes, outcome)
	}

	if !reachable {
		return core.Skip("api", fmt.Sprintf("api server unreachable at %s", baseURL))
	}

	var lines []string
	non2xx, serverErr := 0, 0
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			lines = append(lines, fmt.Sprintf("GET %s -> error: %v", o.path, o.err))
			non2xx++
		default:
			lines = append(lines, fmt.Sprintf("GET %s -> %d", o.path, o.status))
			if o.status < 200 || o.status > 299 {
				non2xx++
			}
			if o.status >= 500 {
				serverErr++
			}
		}
	}

	result := core.ValidatorResult{
		Name:       "api",
		Passed:     serverErr == 0,
		Severity:   core.SeverityInfo,
		Summary:    fmt.Sprintf("%d probes, %d non-2xx, %d server errors", len(outcomes), non2xx, serverErr),
		DurationMs: time.Since(start).Milliseconds(),
		Evidence: core.ValidatorEvidence{
			Output:      strings.Join(lines, "\n"),
			TestsRun:    len(outcomes),
			TestsFailed: non2xx,
		},
	}
	if serverErr > 0 {
		result.Severity = core.SeverityMajor
	}
	return result
}

// resolveTarget finds the base URL and the OpenAPI manifest path from the
// project index.
func (a *API) resolveTarget(vctx core.ValidatorContext) (baseURL, manifest string) {
	if vctx.Index == nil {
		return "", ""
	}
	for _, svc := range vctx.Index.Services {
		if manifest == "" && svc.OpenAPIPath != "" {
			manifest = filepath.Join(vctx.WorkingDir, svc.OpenAPIPath)
		}
		if baseURL != "" {
			continue
		}
		if svc.BaseURL != "" {
			baseURL = strings.TrimRight(svc.BaseURL, "/")
		} else if svc.DevPort != 0 {
			baseURL = fmt.Sprintf("http://127.0.0.1:%d", svc.DevPort)
		}
	}
	return baseURL, manifest
}

// probePaths assembles health endpoints plus representative GETs from the
// manifest, capped at maxProbes.
func (a *API) probePaths(vctx core.ValidatorContext, manifest string) []string {
	paths := append([]string(nil), healthPaths...)
	for _, p := range manifestGETPaths(manifest) {
		if len(paths) >= maxProbes+len(healthPaths) {
			break
		}
		paths = append(paths, p)
	}
	return paths
}

func (a *API) probe(ctx context.Context, baseURL, path string) probeOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return probeOutcome{path: path, err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return probeOutcome{path: path, err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	return probeOutcome{path: path, status: resp.StatusCode}
}

// manifestGETPaths extracts parameter-free GET routes from an OpenAPI
// document. JSON parses fine through the YAML decoder.
func manifestGETPaths(manifest string) []string {
	if manifest == "" {
		return nil
	}
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil
	}

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil
	}

	var paths []string
	for p, ops := range doc.Paths {
		if strings.Contains(p, "{") {
			continue
		}
		if _, ok := ops["get"]; !ok {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ core.Validator = (*API)(nil)
