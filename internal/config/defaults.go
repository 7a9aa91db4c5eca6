package config

// DefaultConfigYAML contains the default configuration YAML content.
// It is written to the global config path on first use so every project
// starts from the same documented baseline. Per-project overrides live in
// {project}/.auto-claude/config.yaml with the same keys.
const DefaultConfigYAML = `# auto-claude configuration
#
# Values not specified here use the built-in defaults. Per-project
# overrides go in {project}/.auto-claude/config.yaml.

log:
  level: info      # debug | info | warn | error
  format: auto     # auto | text | json

daemon:
  # Worker pool size. Tasks beyond this wait in the queue.
  max_concurrent: 1
  # Run each task in an isolated git worktree on its own branch.
  use_worktrees: false
  # Seconds without a heartbeat before a running task counts as stuck.
  stuck_timeout: 600
  # Seconds between full specs-directory rescans.
  rescan_interval: 60
  # Automatic re-queues per task before it is marked failed.
  max_recovery: 3
  # Decomposition depth cap for design tasks spawning children.
  max_child_depth: 2

qa:
  # Review iterations before the task escalates to human review.
  max_iterations: 3

git:
  # Task branches are named {branch_prefix}{spec-id}.
  branch_prefix: "auto/"

status:
  # Serve the local WebSocket status bridge.
  enabled: true
  # First port tried; the next nine are fallbacks.
  port_base: 18800

agents:
  # Agent CLI binary on PATH.
  binary: claude
  # Default model; empty lets the binary decide.
  model: ""
  # Default reasoning budget: none | low | medium | high | max
  thinking: medium

validators:
  build:
    # Seconds allowed per lint/build/test command.
    timeout: 300
  browser:
    # Headless browser executable; empty searches PATH for chromium/chrome.
    binary: ""
    # Force headless UI validation (HEADLESS_BROWSER=true does the same).
    headless: false
    # Seconds to wait for the dev server port.
    dev_server_timeout: 120
`
