// Package doctor runs the environment checks behind `ontoti doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failures counts FAIL results.
func (d Diagnosis) Failures() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes all diagnostic checks. loadErr is the error config.Load
// returned alongside cfg, if any.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkAPIKey,
		checkPermissions,
		checkDatabase,
		checkBus,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	var readErr *config.ReadError
	switch {
	case errors.As(loadErr, &readErr):
		return CheckResult{Name: "Config", Status: StatusFail, Message: "config.yaml unreadable; running on defaults", Detail: readErr.Error()}
	case errors.Is(loadErr, config.ErrInvalid):
		return CheckResult{Name: "Config", Status: StatusFail, Message: "config.yaml rejected", Detail: loadErr.Error()}
	case loadErr != nil:
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error()}
	case !cfg.FromFile:
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("No config.yaml in %s; using defaults", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

var providerKeyEnv = map[string]string{
	"google":            "GEMINI_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai_compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	envVar, ok := providerKeyEnv[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: StatusFail, Message: fmt.Sprintf("Unknown provider %q", provider)}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key for %s provider is set", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%s not set; replies use the offline fallback", envVar),
		Detail:  fmt.Sprintf("Export %s or put it in .env", envVar),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkDatabase opens the store, which applies migrations, then walks the
// audit chain.
func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "ontoti.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	ledger, err := audit.New(audit.Config{Store: store})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: err.Error()}
	}
	res, err := ledger.Verify(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Audit read failed: %v", err)}
	}
	if !res.OK {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: fmt.Sprintf("Audit chain broken at event %d", res.BrokenAt),
			Detail:  "The chain is never repaired automatically; inspect with `ontoti audit tail`",
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d jobs, audit chain ok (%d events)", len(jobs), res.Count),
	}
}

func checkBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bus", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Bus.Backend != config.BusStream {
		return CheckResult{Name: "Bus", Status: StatusPass, Message: fmt.Sprintf("Local bus, %d message window", cfg.Bus.MaxMessages)}
	}
	opts, err := redis.ParseURL(cfg.Bus.StreamURL)
	if err != nil {
		return CheckResult{Name: "Bus", Status: StatusFail, Message: fmt.Sprintf("Invalid stream_url: %v", err)}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{
			Name:    "Bus",
			Status:  StatusFail,
			Message: fmt.Sprintf("Redis unreachable at %s", opts.Addr),
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "Bus",
		Status:  StatusPass,
		Message: fmt.Sprintf("Redis reachable (%dms), stream %s", time.Since(start).Milliseconds(), cfg.Bus.StreamKey),
	}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openrouter":        "openrouter.ai",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	host, ok := providerHosts[provider]
	if !ok {
		host = providerHosts["google"]
	}
	if cfg.LLM.BaseURL != "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Custom base_url; endpoint not probed"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
