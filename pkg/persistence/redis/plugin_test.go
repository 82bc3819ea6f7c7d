package redis

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/alicebob/miniredis/v2"
)

func TestPluginRegisteredAndUsable(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, name := range []string{"redis", "kvrocks"} {
		t.Run(name, func(t *testing.T) {
			mr.FlushAll()
			raw, _ := json.Marshal(Config{Addr: mr.Addr(), PoolSize: 4, ReadTimeoutMs: 500})
			p, err := persistence.NewPersistence(
				persistence.ProviderConfig{Type: name, Config: raw},
				persistence.PluginConfig{Timezone: time.UTC, HistoryLimit: 5},
			)
			if err != nil {
				t.Fatalf("NewPersistence: %v", err)
			}
			defer p.Close()

			ctx := context.Background()
			if err := p.Health(ctx); err != nil {
				t.Fatalf("health: %v", err)
			}
			store := p.InvocationStorage()
			rec := &domain.InvocationRecord{ID: "r1", Stage: domain.StageIllustrate, State: domain.StateReceived}
			if err := store.Create(ctx, rec); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := store.Get(ctx, "r1")
			if err != nil || got.Stage != domain.StageIllustrate {
				t.Fatalf("get: %+v %v", got, err)
			}
			opts := p.(*Plugin).Client().Options()
			if opts.PoolSize != 4 || opts.ReadTimeout != 500*time.Millisecond {
				t.Fatalf("options not applied: pool=%d read=%s", opts.PoolSize, opts.ReadTimeout)
			}
		})
	}
}

func TestPluginHealthReportsDownServer(t *testing.T) {
	mr := miniredis.RunT(t)
	raw, _ := json.Marshal(Config{Addr: mr.Addr(), DialTimeoutMs: 200})
	p, err := NewPlugin(persistence.PluginConfig{Config: raw, Timezone: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	mr.Close()

	if err := p.Health(context.Background()); err == nil || !strings.Contains(err.Error(), "redis ping") {
		t.Fatalf("err = %v", err)
	}
}

func TestPluginBadConfig(t *testing.T) {
	tests := []struct{ raw, want string }{
		{`{"addr":`, "redis persistence"},
		{`{}`, "addr is required"},
		{`{"addr":"x:1","poolSize":-1}`, "must not be negative"},
	}
	for _, tt := range tests {
		_, err := NewPlugin(persistence.PluginConfig{Config: json.RawMessage(tt.raw)})
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("NewPlugin(%s) err = %v, want %q", tt.raw, err, tt.want)
		}
	}
}
