// Package session drives one call through the media pipeline: audio in,
// transcripts, intent and handoff checks, routed generation, synthesized
// audio out. One Session owns one call and serializes its turns.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/events"
	"github.com/smartflowcrm/voicecore/internal/failover"
	"github.com/smartflowcrm/voicecore/internal/handoff"
	"github.com/smartflowcrm/voicecore/internal/intent"
	"github.com/smartflowcrm/voicecore/internal/latency"
	"github.com/smartflowcrm/voicecore/internal/llmrouter"
	"github.com/smartflowcrm/voicecore/internal/memory"
	"github.com/smartflowcrm/voicecore/internal/protocol"
	"github.com/smartflowcrm/voicecore/internal/stt"
	"github.com/smartflowcrm/voicecore/internal/tenant"
	"github.com/smartflowcrm/voicecore/internal/tts"
)

// Sink is the transport-facing side of a session. Telephony and browser
// transports implement it over their own wire formats; methods that a
// transport cannot express are no-ops there.
type Sink interface {
	SendPartialTranscript(text string) error
	SendTranscript(text string) error
	SendResponseText(text string, final bool) error
	SendAudio(payload tts.Payload) error
	SendHandoff(reason, handoffID string) error
	SendLatency(report protocol.LatencyReport) error
	SendError(message string) error
	// Clear tells the transport to drop any buffered outbound audio.
	Clear() error
}

// Deps bundles the pipeline collaborators a session needs.
type Deps struct {
	STT        stt.Engine
	LocalSTT   stt.Engine
	TTS        tts.Synthesizer
	LocalTTS   tts.Synthesizer
	Router     *llmrouter.Router
	Classifier intent.Classifier
	Tenants    tenant.Store
	Memory     *memory.Store
	Handoffs   *handoff.Queue
	Events     events.Publisher
	Failover   *failover.Executor
	Latency    *latency.Recorder
	Session    config.SessionConfig
	Handoff    config.HandoffConfig
	Retry      config.FailoverConfig
	Log        *slog.Logger
}

type Session struct {
	ID       string
	TenantID string
	CallID   string

	deps      Deps
	sink      Sink
	settings  tenant.Settings
	language  string
	transport string

	clock     func() time.Time
	startedAt time.Time

	mu             sync.Mutex
	stream         stt.Stream
	sttName        string
	processing     bool
	handoffDone    bool
	closed         bool
	speaking       bool
	speakCancel    context.CancelFunc
	turns          int
	flushedAt      time.Time
	pendingFlush   bool
	sttMS          int64
	budgetNotified bool

	wg      sync.WaitGroup
	log     *slog.Logger
	dropped metric.Int64Counter
}

// New snapshots the tenant settings, opens a recognition stream, and
// starts consuming transcripts. language overrides the tenant default
// when non-empty.
func New(ctx context.Context, deps Deps, sink Sink, transport, tenantID, callID, language string) (*Session, error) {
	settings, err := deps.Tenants.Lookup(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %q: %w", tenantID, err)
	}
	if language == "" {
		language = settings.Language
	}
	if language == "" {
		language = deps.Session.DefaultLanguage
	}

	s := &Session{
		ID:        uuid.NewString(),
		TenantID:  settings.TenantID,
		CallID:    callID,
		deps:      deps,
		sink:      sink,
		settings:  settings,
		language:  language,
		transport: transport,
		clock:     time.Now,
	}
	s.startedAt = s.clock()
	meter := otel.Meter("github.com/smartflowcrm/voicecore/session")
	if counter, err := meter.Int64Counter("voicecore.session.dropped_utterances",
		metric.WithDescription("Utterances dropped because a turn was in flight")); err == nil {
		s.dropped = counter
	}
	s.log = deps.Log.With(
		slog.String("component", "session"),
		slog.String("session_id", s.ID),
		slog.String("tenant_id", s.TenantID),
		slog.String("call_id", callID))

	s.sttName = deps.STT.Name()
	openPrimary := func(ctx context.Context) (stt.Stream, error) {
		return deps.STT.OpenStream(ctx, language)
	}
	var stream stt.Stream
	if deps.Failover != nil && deps.LocalSTT != nil && deps.LocalSTT.Name() != deps.STT.Name() {
		stream, err = failover.Execute(ctx, deps.Failover, deps.STT.Name(), openPrimary, nil, s.retryOptions())
		if err != nil {
			s.log.Warn("recognition engine unavailable, starting on local engine",
				slog.String("error", err.Error()))
			stream, err = deps.LocalSTT.OpenStream(ctx, language)
			s.sttName = deps.LocalSTT.Name()
		}
	} else {
		stream, err = openPrimary(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("open recognition stream: %w", err)
	}
	s.stream = stream

	if err := deps.Memory.EnsureSession(ctx, s.ID, s.TenantID); err != nil {
		s.log.Warn("ensure session failed", slog.String("error", err.Error()))
	}
	if err := deps.Events.Publish(ctx, events.SubjectSession, events.SessionStarted(s.TenantID, s.ID, callID, transport)); err != nil {
		s.log.Warn("publish session start failed", slog.String("error", err.Error()))
	}

	s.wg.Add(1)
	go s.readTranscripts(stream)

	s.log.Info("session started",
		slog.String("transport", transport),
		slog.String("language", language),
		slog.String("stt", s.sttName),
		slog.String("tts", deps.TTS.Name()))
	return s, nil
}

// Providers reports the engines serving this session.
func (s *Session) Providers() protocol.SessionProviders {
	s.mu.Lock()
	sttName := s.sttName
	s.mu.Unlock()
	return protocol.SessionProviders{
		STT: sttName,
		LLM: "router",
		TTS: s.deps.TTS.Name(),
	}
}

// Language reports the effective session language.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage switches the language used for later turns.
func (s *Session) SetLanguage(language string) {
	if language == "" {
		return
	}
	s.mu.Lock()
	s.language = language
	s.mu.Unlock()
	s.log.Info("language changed", slog.String("language", language))
}

// HandleAudio feeds one PCM frame to recognition. Voiced caller audio
// while the session is speaking is a barge-in: buffered playback is
// cleared and the in-flight synthesis is cancelled. Ambient silence
// never interrupts.
func (s *Session) HandleAudio(ctx context.Context, pcm []byte, voiced bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	interrupt := s.speaking && voiced
	stream := s.stream
	s.mu.Unlock()

	if interrupt {
		s.interrupt()
	}
	err := stream.Feed(ctx, pcm)
	s.observeSTT(err)
	if err != nil {
		if next := s.fallbackToLocalSTT(ctx); next != nil {
			return next.Feed(ctx, pcm)
		}
	}
	return err
}

// FlushInput forces an utterance boundary; the resulting transcript
// arrives through the recognition stream.
func (s *Session) FlushInput(ctx context.Context) error {
	s.mu.Lock()
	s.flushedAt = s.clock()
	s.pendingFlush = true
	stream := s.stream
	s.mu.Unlock()

	err := stream.Flush(ctx)
	s.observeSTT(err)
	if err != nil {
		s.mu.Lock()
		s.pendingFlush = false
		s.mu.Unlock()
		s.fallbackToLocalSTT(ctx)
	}
	return err
}

// observeSTT feeds a recognition outcome into provider health, but only
// while the primary engine is serving the stream.
func (s *Session) observeSTT(err error) {
	if s.deps.Failover == nil {
		return
	}
	s.mu.Lock()
	name := s.sttName
	s.mu.Unlock()
	if name != s.deps.STT.Name() {
		return
	}
	if s.deps.LocalSTT != nil && name == s.deps.LocalSTT.Name() {
		return
	}
	s.deps.Failover.Observe(name, err)
}

// fallbackToLocalSTT swaps a failed recognition stream for the local
// engine mid-call. The new stream is returned, or nil when no swap
// happened. Audio buffered in the failed stream is lost.
func (s *Session) fallbackToLocalSTT(ctx context.Context) stt.Stream {
	if s.deps.LocalSTT == nil || s.deps.LocalSTT.Name() == s.deps.STT.Name() {
		return nil
	}
	s.mu.Lock()
	if s.closed || s.sttName == s.deps.LocalSTT.Name() {
		s.mu.Unlock()
		return nil
	}
	language := s.language
	old := s.stream
	s.mu.Unlock()

	stream, err := s.deps.LocalSTT.OpenStream(ctx, language)
	if err != nil {
		s.log.Error("local recognition fallback failed", slog.String("error", err.Error()))
		return nil
	}
	s.mu.Lock()
	s.stream = stream
	s.sttName = s.deps.LocalSTT.Name()
	s.mu.Unlock()
	if err := old.Close(); err != nil {
		s.log.Debug("close failed recognition stream", slog.String("error", err.Error()))
	}
	s.wg.Add(1)
	go s.readTranscripts(stream)
	s.log.Warn("recognition degraded to local engine")
	return stream
}

// HandleText runs one typed utterance through the turn pipeline,
// bypassing recognition.
func (s *Session) HandleText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if !s.beginTurn() {
		return
	}
	s.runTurn(ctx, text, 1.0)
}

func (s *Session) readTranscripts(stream stt.Stream) {
	defer s.wg.Done()
	for ev := range stream.Events() {
		switch ev.Kind {
		case stt.EventPartial:
			if err := s.sink.SendPartialTranscript(ev.Text); err != nil {
				s.log.Debug("send partial failed", slog.String("error", err.Error()))
			}
		case stt.EventFinal:
			s.onFinalTranscript(ev)
		}
	}
}

func (s *Session) onFinalTranscript(ev stt.Event) {
	defer func() {
		s.mu.Lock()
		s.pendingFlush = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	if !s.flushedAt.IsZero() {
		s.sttMS = s.clock().Sub(s.flushedAt).Milliseconds()
		s.flushedAt = time.Time{}
	}
	s.mu.Unlock()

	if ev.Text == "" {
		return
	}
	if err := s.sink.SendTranscript(ev.Text); err != nil {
		s.log.Debug("send transcript failed", slog.String("error", err.Error()))
	}
	if !s.beginTurn() {
		return
	}
	s.runTurn(context.Background(), ev.Text, ev.Confidence)
}

// beginTurn claims the single processing slot. Utterances arriving while
// a turn is in flight are dropped, not queued.
func (s *Session) beginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handoffDone {
		return false
	}
	if s.processing {
		if s.dropped != nil {
			s.dropped.Add(context.Background(), 1)
		}
		s.log.Debug("utterance dropped, turn in flight")
		return false
	}
	s.processing = true
	return true
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.processing = false
	s.turns++
	s.mu.Unlock()
}

func (s *Session) runTurn(ctx context.Context, transcript string, sttConfidence float64) {
	defer s.endTurn()

	trace := latency.NewTrace(s.ID, s.TenantID)
	s.mu.Lock()
	sttMS := s.sttMS
	s.sttMS = 0
	language := s.language
	s.mu.Unlock()

	trace.StartStage(latency.StageIntent)
	intentRes, err := s.deps.Classifier.Classify(ctx, transcript, language)
	if err != nil {
		s.log.Warn("classification failed", slog.String("error", err.Error()))
		intentRes = intent.Result{Intent: intent.IntentUnknown, Confidence: 0}
	}
	trace.EndStage(latency.StageIntent)

	if err := s.deps.Memory.AppendTurn(ctx, memory.Turn{
		SessionID: s.ID,
		Role:      memory.RoleUser,
		Content:   transcript,
	}); err != nil {
		s.log.Warn("append user turn failed", slog.String("error", err.Error()))
	}

	decision := handoff.Evaluate(transcript, intentRes.Intent, intentRes.Confidence, s.settings, s.deps.Handoff.EscalationKeywords)
	if decision.ShouldHandoff {
		s.requestHandoff(ctx, decision)
		return
	}

	// The first turn under an exhausted budget exits with a notice; later
	// turns still run through the router, which pins them to the local model.
	if s.settings.Budget == tenant.BudgetExceeded {
		s.mu.Lock()
		notified := s.budgetNotified
		s.budgetNotified = true
		s.mu.Unlock()
		if !notified {
			notice := budgetNotice(language)
			if err := s.sink.SendResponseText(notice, true); err != nil {
				s.log.Debug("send budget notice failed", slog.String("error", err.Error()))
			}
			if payload, serr := s.deps.LocalTTS.Synthesize(ctx, notice, s.settings.Voice, language); serr == nil {
				if aerr := s.sink.SendAudio(payload); aerr != nil {
					s.log.Debug("send budget notice audio failed", slog.String("error", aerr.Error()))
				}
			}
			if err := s.deps.Memory.AppendTurn(ctx, memory.Turn{
				SessionID: s.ID,
				Role:      memory.RoleAssistant,
				Content:   notice,
			}); err != nil {
				s.log.Warn("append assistant turn failed", slog.String("error", err.Error()))
			}
			s.publish(ctx, events.SubjectAudit, events.AuditTurn(s.TenantID, s.ID, transcript, notice, "none", llmrouter.ReasonBudgetExceeded))
			return
		}
	}

	memoryContext := s.buildContext(ctx, transcript)

	speakCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.speakCancel = cancel
	s.speaking = true
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.speaking = false
		s.speakCancel = nil
		s.mu.Unlock()
	}()

	ttsStarted := false
	firstAudio := false
	trace.StartStage(latency.StageLLM)
	result, err := s.deps.Router.Route(ctx, transcript, s.settings, memoryContext, language, llmrouter.Options{}, func(sentence string, index int) error {
		if speakCtx.Err() != nil {
			return speakCtx.Err()
		}
		if serr := s.sink.SendResponseText(sentence, false); serr != nil {
			return serr
		}
		if !ttsStarted {
			ttsStarted = true
			trace.StartStage(latency.StageTTS)
		}
		payload, serr := s.synthesize(speakCtx, sentence, language)
		if serr != nil {
			return serr
		}
		if serr := s.sink.SendAudio(payload); serr != nil {
			return serr
		}
		if !firstAudio {
			firstAudio = true
			trace.MarkFirstByte()
		}
		return nil
	})
	trace.EndStage(latency.StageLLM)
	trace.EndStage(latency.StageTTS)

	if err != nil {
		if speakCtx.Err() != nil {
			s.log.Info("turn interrupted by caller")
			return
		}
		s.log.Error("turn failed", slog.String("error", err.Error()))
		s.apologize(ctx, language)
		return
	}

	if serr := s.sink.SendResponseText(result.Response, true); serr != nil {
		s.log.Debug("send final response failed", slog.String("error", serr.Error()))
	}
	if err := s.deps.Memory.AppendTurn(ctx, memory.Turn{
		SessionID: s.ID,
		Role:      memory.RoleAssistant,
		Content:   result.Response,
	}); err != nil {
		s.log.Warn("append assistant turn failed", slog.String("error", err.Error()))
	}

	s.publish(ctx, events.SubjectAudit, events.AuditTurn(s.TenantID, s.ID, transcript, result.Response, result.Provider, result.RouteReason))
	if result.TotalTokens > 0 {
		s.publish(ctx, events.SubjectBilling, events.BillingTokens(s.TenantID, s.ID, result.Provider, result.TotalTokens))
	}

	sample := s.deps.Latency.Finalize(trace)
	report := protocol.LatencyReport{
		STTMS:    sttMS,
		LLMMS:    sample.Stages[latency.StageLLM],
		TTSMS:    sample.Stages[latency.StageTTS],
		TotalMS:  sttMS + sample.TotalMS,
		Provider: result.Provider,
	}
	if err := s.sink.SendLatency(report); err != nil {
		s.log.Debug("send latency failed", slog.String("error", err.Error()))
	}
}

// buildContext assembles recent turns plus retrieved history for the
// generation prompt. Failures degrade to an empty context.
func (s *Session) buildContext(ctx context.Context, query string) string {
	limit := s.deps.Session.RecentTurns
	if limit <= 0 {
		limit = 6
	}
	recent, err := s.deps.Memory.Turns(ctx, s.ID, limit)
	if err != nil {
		s.log.Warn("load recent turns failed", slog.String("error", err.Error()))
	}
	topK := s.deps.Session.RetrievalTopK
	if topK <= 0 {
		topK = 3
	}
	retrieved, err := s.deps.Memory.Retrieve(ctx, s.ID, query, topK, s.deps.Session.RetrievalFloor)
	if err != nil {
		s.log.Warn("retrieval failed", slog.String("error", err.Error()))
	}
	return memory.BuildContext(recent, retrieved)
}

// synthesize renders one sentence with retry through the configured
// engine, falling back to the local instruction engine.
func (s *Session) synthesize(ctx context.Context, text, language string) (tts.Payload, error) {
	voice := s.settings.Voice
	primary := func(ctx context.Context) (tts.Payload, error) {
		return s.deps.TTS.Synthesize(ctx, text, voice, language)
	}
	if s.deps.TTS.Name() == s.deps.LocalTTS.Name() {
		return primary(ctx)
	}
	fallback := func(ctx context.Context) (tts.Payload, error) {
		return s.deps.LocalTTS.Synthesize(ctx, text, voice, language)
	}
	return failover.Execute(ctx, s.deps.Failover, s.deps.TTS.Name(), primary, fallback, s.retryOptions())
}

func (s *Session) retryOptions() failover.Options {
	return failover.Options{
		MaxAttempts: s.deps.Retry.MaxAttempts,
		BaseDelay:   time.Duration(s.deps.Retry.BaseDelay) * time.Millisecond,
		MaxDelay:    time.Duration(s.deps.Retry.MaxDelay) * time.Millisecond,
	}
}

func (s *Session) requestHandoff(ctx context.Context, decision handoff.Decision) {
	req, err := s.deps.Handoffs.Create(ctx, s.CallID, s.TenantID, s.ID, decision.Reason, decision.Priority)
	if err != nil {
		s.log.Error("handoff enqueue failed", slog.String("error", err.Error()))
		s.apologize(ctx, s.Language())
		return
	}
	s.publish(ctx, events.SubjectHandoff, events.HandoffRequested(s.TenantID, s.ID, s.CallID, req.ID, decision.Reason, decision.Priority))
	if err := s.sink.SendHandoff(decision.Reason, req.ID); err != nil {
		s.log.Debug("send handoff failed", slog.String("error", err.Error()))
	}

	notice := handoffNotice(s.Language())
	if err := s.sink.SendResponseText(notice, true); err == nil {
		if payload, serr := s.deps.LocalTTS.Synthesize(ctx, notice, s.settings.Voice, s.Language()); serr == nil {
			if aerr := s.sink.SendAudio(payload); aerr != nil {
				s.log.Debug("send handoff audio failed", slog.String("error", aerr.Error()))
			}
		}
	}

	s.mu.Lock()
	s.handoffDone = true
	s.mu.Unlock()
	s.log.Info("handoff requested",
		slog.String("handoff_id", req.ID),
		slog.String("reason", decision.Reason),
		slog.String("priority", decision.Priority))
}

// apologize is the last-resort response when every engine in a turn has
// failed. The local instruction engine cannot fail.
func (s *Session) apologize(ctx context.Context, language string) {
	text := apologyText(language)
	if err := s.sink.SendResponseText(text, true); err != nil {
		return
	}
	if payload, err := s.deps.LocalTTS.Synthesize(ctx, text, s.settings.Voice, language); err == nil {
		if serr := s.sink.SendAudio(payload); serr != nil {
			s.log.Debug("send apology audio failed", slog.String("error", serr.Error()))
		}
	}
}

func (s *Session) interrupt() {
	s.mu.Lock()
	cancel := s.speakCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := s.sink.Clear(); err != nil {
		s.log.Debug("clear failed", slog.String("error", err.Error()))
	}
	s.log.Debug("barge-in, playback cleared")
}

func (s *Session) publish(ctx context.Context, subject string, evt events.Event) {
	if err := s.deps.Events.Publish(ctx, subject, evt); err != nil {
		s.log.Warn("publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// endGrace bounds how long End waits for the final turn to complete.
const endGrace = 5 * time.Second

// End flushes buffered audio, lets the resulting turn finish, and then
// closes the session. An explicit end signal from the transport lands
// here so the caller still hears the answer to their last utterance.
func (s *Session) End(ctx context.Context) {
	if err := s.FlushInput(ctx); err != nil {
		s.log.Warn("final flush failed", slog.String("error", err.Error()))
	}
	deadline := time.Now().Add(endGrace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := !s.pendingFlush && !s.processing
		s.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Close(ctx)
}

// Close tears the session down: the recognition stream is closed, the
// transcript reader drained, and billing and lifecycle events emitted.
// An in-flight turn is cancelled; its results are discarded.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.speakCancel
	turns := s.turns
	stream := s.stream
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := stream.Close(); err != nil {
		s.log.Debug("close recognition stream failed", slog.String("error", err.Error()))
	}
	s.wg.Wait()

	duration := s.clock().Sub(s.startedAt)
	s.publish(ctx, events.SubjectBilling, events.BillingMinutes(s.TenantID, s.ID, s.CallID, duration.Minutes()))
	s.publish(ctx, events.SubjectSession, events.SessionEnded(s.TenantID, s.ID, s.CallID, turns, duration.Seconds()))
	s.log.Info("session closed",
		slog.Int("turns", turns),
		slog.Float64("duration_sec", duration.Seconds()))
}

func handoffNotice(language string) string {
	if language == "en" {
		return "I'm connecting you to a representative, please hold."
	}
	return "Sizi bir temsilcimize aktarıyorum, lütfen hatta kalın."
}

func apologyText(language string) string {
	if language == "en" {
		return "Sorry, I can't respond right now. Please try again in a moment."
	}
	return "Üzgünüm, şu anda yanıt veremiyorum. Lütfen birazdan tekrar deneyin."
}

func budgetNotice(language string) string {
	if language == "en" {
		return "Your service plan's usage limit has been reached, so I can only offer limited assistance right now."
	}
	return "Hizmet paketinizin kullanım limiti doldu, şu anda yalnızca sınırlı şekilde yardımcı olabiliyorum."
}
