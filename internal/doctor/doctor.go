// Package doctor runs the runtime's self-check surface: store schema version, inbox backlog and
// dead-letter counts, config sanity, and inference-provider reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/colonyrt/runtime/internal/config"
	"github.com/colonyrt/runtime/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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

// Run executes every diagnostic check and returns their combined results.
// s may be nil, in which case the store/schema/inbox checks are skipped.
func Run(ctx context.Context, cfg *config.Config, s *store.Store, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkAPIKey(cfg),
		checkSchema(ctx, s),
		checkInboxBacklog(ctx, s),
		checkPermissions(cfg),
		checkNetwork(ctx, cfg),
	)
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("API key set for provider %q", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("no API key set for provider %q", provider),
		Detail:  "inference calls fall through to the deterministic heuristic/fallback paths",
	}
}

// checkSchema verifies the store's on-disk schema version is readable,
// the signal a failed or partial migration would trip.
func checkSchema(ctx context.Context, s *store.Store) CheckResult {
	if s == nil {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "store not opened"}
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Schema", Status: "FAIL", Message: fmt.Sprintf("schema version query failed: %v", err)}
	}
	return CheckResult{Name: "Schema", Status: "PASS", Message: fmt.Sprintf("schema version %d", version)}
}

// checkInboxBacklog warns when too many messages are waiting to be
// claimed, and fails when any have exhausted retries (dead-lettered),
// per 
func checkInboxBacklog(ctx context.Context, s *store.Store) CheckResult {
	if s == nil {
		return CheckResult{Name: "Inbox", Status: "SKIP", Message: "store not opened"}
	}
	backlog, deadLetter, err := s.InboxStats(ctx)
	if err != nil {
		return CheckResult{Name: "Inbox", Status: "FAIL", Message: fmt.Sprintf("inbox stats query failed: %v", err)}
	}
	detail := fmt.Sprintf("backlog=%d, dead_letter=%d", backlog, deadLetter)
	switch {
	case deadLetter > 0:
		return CheckResult{Name: "Inbox", Status: "FAIL", Message: "dead-lettered messages present", Detail: detail}
	case backlog > 100:
		return CheckResult{Name: "Inbox", Status: "WARN", Message: "large inbox backlog", Detail: detail}
	default:
		return CheckResult{Name: "Inbox", Status: "PASS", Message: "inbox healthy", Detail: detail}
	}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
