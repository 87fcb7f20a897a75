package coordinator

import (
	"testing"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
)

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.DisconnectGrace != 5*time.Second {
		t.Errorf("DisconnectGrace = %v, want 5s", p.DisconnectGrace)
	}
	if p.StaleAfter != domain.DefaultStaleAfter {
		t.Errorf("StaleAfter = %v", p.StaleAfter)
	}
	if p.ReopenInitial != time.Second || p.ReopenMax != time.Second || p.ReopenMultiplier != 2 {
		t.Errorf("reopen backoff = %v..%v x%v", p.ReopenInitial, p.ReopenMax, p.ReopenMultiplier)
	}
	if p.MutedCheck != p.MutedAfter/3 {
		t.Errorf("MutedCheck = %v, MutedAfter = %v", p.MutedCheck, p.MutedAfter)
	}

	// a zero grace from config must not tear down disconnected links at once
	cfg := config.DefaultAppConfig().Coordinator
	cfg.DisconnectGrace = 0
	if got := PolicyFromConfig(cfg).DisconnectGrace; got != 5*time.Second {
		t.Errorf("PolicyFromConfig grace = %v, want 5s", got)
	}

	kept := Policy{DisconnectGrace: 300 * time.Millisecond}.withDefaults()
	if kept.DisconnectGrace != 300*time.Millisecond {
		t.Errorf("explicit grace replaced: %v", kept.DisconnectGrace)
	}
}
