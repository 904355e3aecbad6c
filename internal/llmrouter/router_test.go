package llmrouter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smartflowcrm/voicecore/internal/breaker"
	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/intent"
	"github.com/smartflowcrm/voicecore/internal/llm"
	"github.com/smartflowcrm/voicecore/internal/tenant"
)

// fakeRemote is a scriptable remote generator.
type fakeRemote struct {
	fail     bool
	response string
	calls    int
}

func (f *fakeRemote) Name() string { return "remote_llm" }

func (f *fakeRemote) Generate(_ context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	f.calls++
	if f.fail {
		return errors.New("upstream timeout")
	}
	return consumer(llm.Chunk{Content: f.response, Done: true, CompletionTokens: 20})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(remote llm.Generator) *Router {
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), testLogger())
	return New(intent.NewKeywordClassifier(), llm.NewLocalGenerator(), remote, breakers, config.LLMConfig{MaxTokens: 128}, testLogger())
}

func TestSimpleIntentRoutesLocal(t *testing.T) {
	remote := &fakeRemote{response: "remote answer."}
	router := newRouter(remote)

	res, err := router.Route(context.Background(), "merhaba", tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Provider != "local_llm" {
		t.Fatalf("expected local provider, got %q", res.Provider)
	}
	if res.RouteReason != ReasonSimpleIntent {
		t.Fatalf("expected simple_intent reason, got %q", res.RouteReason)
	}
	if remote.calls != 0 {
		t.Fatal("remote must not be called for a simple intent")
	}
	if res.Intent.Intent != intent.IntentGreeting {
		t.Fatalf("unexpected intent %q", res.Intent.Intent)
	}
}

func TestBudgetExceededForcesLocal(t *testing.T) {
	remote := &fakeRemote{response: "remote answer."}
	router := newRouter(remote)

	// A complex message that would otherwise route remote.
	msg := "Mevcut aboneliğimi değiştirmek istiyorum çünkü faturalandırma detaylarını karşılaştırmak gerekiyor. Ayrıca geçen ayki ödemede bir tutarsızlık var mı? Teknik olarak hangi paket bana uygun olur?"
	res, err := router.Route(context.Background(), msg, tenant.Settings{Budget: tenant.BudgetExceeded}, "", "tr", Options{}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Provider != "local_llm" || res.RouteReason != ReasonBudgetExceeded {
		t.Fatalf("expected local/budget_exceeded, got %q/%q", res.Provider, res.RouteReason)
	}
}

func TestComplexIntentRoutesRemote(t *testing.T) {
	remote := &fakeRemote{response: "Detaylı bir cevap veriyorum."}
	router := newRouter(remote)

	msg := "Karmaşık bir sorum var. Paketler arasındaki teknik farkları açıklar mısınız? Ayrıca hangi durumlarda fiyat değişir?"
	res, err := router.Route(context.Background(), msg, tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Provider != "remote_llm" || res.RouteReason != ReasonComplexIntent {
		t.Fatalf("expected remote/complex_intent, got %q/%q", res.Provider, res.RouteReason)
	}
	if remote.calls != 1 {
		t.Fatalf("expected one remote call, got %d", remote.calls)
	}
	if res.TotalTokens != 20 {
		t.Fatalf("expected token count from final chunk, got %d", res.TotalTokens)
	}
}

func TestOpenBreakerNeverSelectsRemote(t *testing.T) {
	remote := &fakeRemote{fail: true}
	router := newRouter(remote)

	// Trip the remote breaker.
	b := router.breakers.Get("remote_llm")
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	msg := "Neden bu kadar karmaşık bir süreç var? Hangi belgeler gerekiyor? Başvuru ne kadar sürer?"
	res, err := router.Route(context.Background(), msg, tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Provider != "local_llm" || res.RouteReason != ReasonCircuitOpen {
		t.Fatalf("expected local/circuit_open, got %q/%q", res.Provider, res.RouteReason)
	}
	if remote.calls != 0 {
		t.Fatal("remote must not be invoked while its breaker is open")
	}
}

func TestRemoteFailureFailsOverOnce(t *testing.T) {
	remote := &fakeRemote{fail: true}
	router := newRouter(remote)

	msg := "Teknik detayları merak ediyorum. Entegrasyon süreci nasıl işliyor? API dökümantasyonu var mı?"
	res, err := router.Route(context.Background(), msg, tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, nil)
	if err != nil {
		t.Fatalf("route should succeed via failover: %v", err)
	}
	if res.Provider != "local_llm" {
		t.Fatalf("expected failover to local, got %q", res.Provider)
	}
	if res.RouteReason != "failover_from_remote_llm" {
		t.Fatalf("expected failover reason, got %q", res.RouteReason)
	}
	if remote.calls != 1 {
		t.Fatalf("expected exactly one remote attempt, got %d", remote.calls)
	}
	if res.Response == "" {
		t.Fatal("expected local fallback response text")
	}
}

func TestForceProviderOverride(t *testing.T) {
	remote := &fakeRemote{response: "forced remote reply."}
	router := newRouter(remote)

	res, err := router.Route(context.Background(), "merhaba", tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{ForceProvider: "remote_llm"}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Provider != "remote_llm" || res.RouteReason != ReasonForced {
		t.Fatalf("expected remote/forced, got %q/%q", res.Provider, res.RouteReason)
	}
}

func TestSentencesStreamInOrder(t *testing.T) {
	remote := &fakeRemote{response: "Birinci cümle. İkinci cümle? Üçüncü cümle!"}
	router := newRouter(remote)

	var sentences []string
	var indexes []int
	msg := "Detaylı açıklama istiyorum. Süreç nasıl işliyor? Hangi adımlar var?"
	_, err := router.Route(context.Background(), msg, tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, func(s string, i int) error {
		sentences = append(sentences, s)
		indexes = append(indexes, i)
		return nil
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(sentences) != 3 {
		t.Fatalf("expected 3 sentences, got %v", sentences)
	}
	for i, idx := range indexes {
		if idx != i {
			t.Fatalf("sentence indexes out of order: %v", indexes)
		}
	}
}

func TestRouteRespectsContextCancellation(t *testing.T) {
	router := newRouter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := router.Route(ctx, "merhaba", tenant.Settings{Budget: tenant.BudgetOK}, "", "tr", Options{}, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
