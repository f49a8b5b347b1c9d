package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/live-translator/internal/audio"
	"github.com/skypro1111/live-translator/internal/reconfig"
	"github.com/skypro1111/live-translator/internal/synthesis"
	"github.com/skypro1111/live-translator/internal/transcription"
	"github.com/skypro1111/live-translator/internal/translation"
)

type fakeTranscriber struct {
	mu     sync.Mutex
	texts  []string // consumed in order; the last one repeats
	err    error
	block  bool // wait for ctx to end
	hints  []string
	ctxErr error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, u *audio.Utterance, hint string) (transcription.Transcript, error) {
	f.mu.Lock()
	f.hints = append(f.hints, hint)
	block, err := f.block, f.err
	text := ""
	if len(f.texts) > 0 {
		text = f.texts[0]
		if len(f.texts) > 1 {
			f.texts = f.texts[1:]
		}
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
		return transcription.Transcript{}, ctx.Err()
	}
	if err != nil {
		return transcription.Transcript{}, err
	}
	text = strings.TrimSpace(text)
	return transcription.Transcript{UtteranceID: u.ID, Text: text, Valid: text != ""}, nil
}

func (f *fakeTranscriber) Hints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hints...)
}

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	gate    chan struct{} // when set, the first call waits for it
	entered chan struct{}
	calls   [][]translation.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []translation.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	first := len(f.calls) == 1
	reply, err, gate := f.reply, f.err, f.gate
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if gate != nil && first {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeCompleter) Calls() [][]translation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]translation.Message(nil), f.calls...)
}

// fakeSynth emits chunks; with gate set, every chunk after the first waits for it
type fakeSynth struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	gate   chan struct{}
	texts  []string
	styles []synthesis.Style
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, style synthesis.Style) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.styles = append(f.styles, style)
	chunks, synthErr, gate := f.chunks, f.err, f.gate
	f.mu.Unlock()

	frames := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(frames)
		for i, c := range chunks {
			if i > 0 && gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case frames <- c:
			case <-ctx.Done():
				return
			}
		}
		if synthErr != nil {
			errs <- synthErr
		}
	}()
	return frames, errs
}

func (f *fakeSynth) Spoken() ([]string, []synthesis.Style) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]synthesis.Style(nil), f.styles...)
}

type mutableSynth struct {
	fakeSynth
	styleMu sync.Mutex
	current synthesis.Style
	sets    int
}

func (m *mutableSynth) SetStyle(s synthesis.Style) {
	m.styleMu.Lock()
	defer m.styleMu.Unlock()
	m.current = s
	m.sets++
}

func (m *mutableSynth) Style() synthesis.Style {
	m.styleMu.Lock()
	defer m.styleMu.Unlock()
	return m.current
}

type recordingSink struct {
	mu      sync.Mutex
	chunks  int
	flushes int
	wrote   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{wrote: make(chan struct{}, 64)}
}

func (s *recordingSink) WriteAudio(pcm []byte) error {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.flushes
}

type transition struct{ from, to State }

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	transitions []transition
	outcomes    []Outcome
	reconfigs   []string
	events      chan transition
	turns       chan Outcome
	hook        func(from, to State) // runs synchronously inside OnTransition
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan transition, 256), turns: make(chan Outcome, 64)}
}

func (r *recordingObserver) OnTransition(from, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{from, to})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(from, to)
	}
	r.events <- transition{from, to}
}

func (r *recordingObserver) OnTurn(outcome Outcome, elapsed time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
	r.turns <- outcome
}

func (r *recordingObserver) OnReconfiguration(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconfigs = append(r.reconfigs, result)
}

func (r *recordingObserver) setHook(hook func(from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

func (r *recordingObserver) Transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

func (r *recordingObserver) Reconfigs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reconfigs...)
}

// waitFor consumes transitions until from->to is seen
func (r *recordingObserver) waitFor(t *testing.T, from, to State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case tr := <-r.events:
			if tr.from == from && tr.to == to {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s -> %s; saw %v", from, to, r.Transitions())
		}
	}
}

func (r *recordingObserver) waitTurn(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-r.turns:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for turn")
		return ""
	}
}

type harness struct {
	orch        *Orchestrator
	transcriber *fakeTranscriber
	completer   *fakeCompleter
	history     *translation.Context
	synth       synthesis.Synthesizer
	sink        *recordingSink
	observer    *recordingObserver
	cancel      context.CancelFunc
	done        chan error
}

type harnessOptions struct {
	synth                synthesis.Synthesizer
	logger               *slog.Logger
	transcriptionTimeout time.Duration
	translationTimeout   time.Duration
	noRun                bool
	queueSize            int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.synth == nil {
		opts.synth = &fakeSynth{chunks: [][]byte{{1, 0}, {2, 0}}}
	}
	if opts.logger == nil {
		opts.logger = testLogger()
	}
	if opts.transcriptionTimeout == 0 {
		opts.transcriptionTimeout = 2 * time.Second
	}
	if opts.translationTimeout == 0 {
		opts.translationTimeout = 2 * time.Second
	}

	h := &harness{
		transcriber: &fakeTranscriber{texts: []string{"hello there"}},
		completer:   &fakeCompleter{reply: "bonjour"},
		synth:       opts.synth,
		sink:        newRecordingSink(),
		observer:    newRecordingObserver(),
		done:        make(chan error, 1),
	}

	history, err := translation.NewContext(h.completer, "en", "fr", 0)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	h.history = history

	speaker, err := synthesis.NewController(opts.synth, h.sink, opts.logger)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	h.orch, err = New(Config{
		SessionID:            "test-session",
		SourceLanguage:       "en",
		TargetLanguage:       "fr",
		Style:                synthesis.DefaultStyle(),
		TranscriptionTimeout: opts.transcriptionTimeout,
		TranslationTimeout:   opts.translationTimeout,
		QueueSize:            opts.queueSize,
	}, Deps{
		Transcriber: h.transcriber,
		Translator:  history,
		Speaker:     speaker,
		Observer:    h.observer,
		Logger:      opts.logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if !opts.noRun {
		go func() { h.done <- h.orch.Run(ctx) }()
	}
	t.Cleanup(cancel)

	return h
}

func testUtterance(id string) *audio.Utterance {
	return &audio.Utterance{
		ID:         id,
		SampleRate: 16000,
		Frames:     [][]int16{make([]int16, 1600)},
		Length:     100 * time.Millisecond,
	}
}

func TestTurnScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	h.observer.waitFor(t, Speaking, Listening)

	want := []transition{
		{Listening, Transcribing},
		{Transcribing, Translating},
		{Translating, Speaking},
		{Speaking, Listening},
	}
	got := h.observer.Transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, got[i].from, got[i].to, want[i].from, want[i].to)
		}
	}

	if hints := h.transcriber.Hints(); len(hints) != 1 || hints[0] != "en" {
		t.Errorf("transcription hints = %v, want [en]", hints)
	}

	texts, styles := h.synth.(*fakeSynth).Spoken()
	if len(texts) != 1 || texts[0] != "bonjour" {
		t.Fatalf("spoken = %v, want [bonjour]", texts)
	}
	wantStyle := synthesis.DefaultStyle()
	wantStyle.Language = "fr"
	if styles[0] != wantStyle {
		t.Errorf("style = %+v, want %+v", styles[0], wantStyle)
	}

	msgs := h.history.Messages()
	if len(msgs) != 3 || msgs[1].Content != "hello there" || msgs[2].Content != "bonjour" {
		t.Errorf("history = %+v", msgs)
	}
	if chunks, flushes := h.sink.counts(); chunks != 2 || flushes != 1 {
		t.Errorf("sink chunks = %d, flushes = %d, want 2 and 1", chunks, flushes)
	}
	if h.orch.State() != Listening {
		t.Errorf("State() = %s, want LISTENING", h.orch.State())
	}
}

func TestEmptyTranscriptSkipsTranslation(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		h := newHarness(t, harnessOptions{})
		h.transcriber.texts = []string{text}

		h.orch.SubmitUtterance(testUtterance("u1"))
		if got := h.observer.waitTurn(t); got != OutcomeEmpty {
			t.Fatalf("outcome = %s, want empty", got)
		}
		h.observer.waitFor(t, Transcribing, Listening)

		if n := len(h.completer.Calls()); n != 0 {
			t.Errorf("translation called %d times for %q", n, text)
		}
		if texts, _ := h.synth.(*fakeSynth).Spoken(); len(texts) != 0 {
			t.Errorf("synthesis called for %q", text)
		}
		if h.history.Len() != 1 {
			t.Errorf("history length = %d, want 1", h.history.Len())
		}
	}
}

func TestTranscriptionFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.transcriber.err = errors.New("model unavailable")

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeTranscriptionFailed {
		t.Fatalf("outcome = %s, want transcription_failed", got)
	}
	h.observer.waitFor(t, Transcribing, Listening)

	// The session keeps going
	h.transcriber.mu.Lock()
	h.transcriber.err = nil
	h.transcriber.mu.Unlock()

	h.orch.SubmitUtterance(testUtterance("u2"))
	if got := h.observer.waitTurn(t); got != OutcomeCompleted {
		t.Fatalf("second outcome = %s, want completed", got)
	}
}

func TestTranscriptionTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriptionTimeout: 30 * time.Millisecond})
	h.transcriber.block = true

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeTranscriptionFailed {
		t.Fatalf("outcome = %s, want transcription_failed", got)
	}

	h.transcriber.mu.Lock()
	ctxErr := h.transcriber.ctxErr
	h.transcriber.mu.Unlock()
	if !errors.Is(ctxErr, context.DeadlineExceeded) {
		t.Errorf("transcriber ctx error = %v, want deadline exceeded", ctxErr)
	}
}

func TestTranslationFailureDropsTurn(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.completer.err = errors.New("rate limited")

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeTranslationFailed {
		t.Fatalf("outcome = %s, want translation_failed", got)
	}
	h.observer.waitFor(t, Translating, Listening)

	if texts, _ := h.synth.(*fakeSynth).Spoken(); len(texts) != 0 {
		t.Error("synthesis called after translation failure")
	}
	if h.history.Len() != 1 {
		t.Errorf("history length = %d, want 1", h.history.Len())
	}
}

func TestTranslationTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{translationTimeout: 30 * time.Millisecond})
	h.completer.gate = make(chan struct{})

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeTranslationFailed {
		t.Fatalf("outcome = %s, want translation_failed", got)
	}
}

func TestSynthesisFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{synth: &fakeSynth{chunks: [][]byte{{1}}, err: errors.New("voice missing")}})

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeSynthesisFailed {
		t.Fatalf("outcome = %s, want synthesis_failed", got)
	}
	h.observer.waitFor(t, Speaking, Listening)
}

func TestBargeInCancelsSpeech(t *testing.T) {
	gate := make(chan struct{})
	synth := &fakeSynth{chunks: [][]byte{{1}, {2}, {3}}, gate: gate}
	h := newHarness(t, harnessOptions{synth: synth})
	h.transcriber.texts = []string{"hello there", "wait"}

	h.orch.SubmitUtterance(testUtterance("u1"))
	h.observer.waitFor(t, Translating, Speaking)

	select {
	case <-h.sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("no audio reached the sink")
	}

	h.orch.SpeechStarted()
	before, _ := h.sink.counts()
	close(gate)

	if got := h.observer.waitTurn(t); got != OutcomeInterrupted {
		t.Fatalf("outcome = %s, want interrupted", got)
	}
	h.observer.waitFor(t, Speaking, Listening)

	after, flushes := h.sink.counts()
	if after != before || after != 1 {
		t.Errorf("sink chunks before=%d after=%d, want 1 and no more after cancel", before, after)
	}
	if flushes != 0 {
		t.Error("interrupted utterance was flushed")
	}

	// The interrupting utterance is processed normally afterwards
	h.orch.SubmitUtterance(testUtterance("u2"))
	if got := h.observer.waitTurn(t); got != OutcomeCompleted {
		t.Fatalf("second outcome = %s, want completed", got)
	}
	if texts, _ := synth.Spoken(); len(texts) != 2 {
		t.Errorf("spoken = %v, want two utterances", texts)
	}
	if h.orch.Stats().BargeIns != 1 {
		t.Errorf("BargeIns = %d, want 1", h.orch.Stats().BargeIns)
	}
}

func TestBargeInAtSpeakingEntry(t *testing.T) {
	gate := make(chan struct{})
	synth := &fakeSynth{chunks: [][]byte{{1}, {2}, {3}}, gate: gate}
	h := newHarness(t, harnessOptions{synth: synth})

	atSpeechStart := make(chan int, 1)
	h.observer.setHook(func(from, to State) {
		if to != Speaking {
			return
		}
		h.orch.SpeechStarted()
		chunks, _ := h.sink.counts()
		atSpeechStart <- chunks
	})

	h.orch.SubmitUtterance(testUtterance("u1"))
	if got := h.observer.waitTurn(t); got != OutcomeInterrupted {
		t.Fatalf("outcome = %s, want interrupted", got)
	}
	close(gate)

	before := <-atSpeechStart
	after, flushes := h.sink.counts()
	if after != before {
		t.Errorf("sink chunks at speech start=%d, after=%d; want no audio after barge-in", before, after)
	}
	if flushes != 0 {
		t.Error("interrupted utterance was flushed")
	}
	if got := h.orch.Stats().BargeIns; got != 1 {
		t.Errorf("BargeIns = %d, want 1", got)
	}
}

func TestSpeechStartedOutsideSpeakingIsIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.orch.SpeechStarted()

	if h.orch.Stats().BargeIns != 0 {
		t.Error("barge-in counted while LISTENING")
	}
}

func TestReconfigureWhileListening(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	err := h.orch.Reconfigure([]byte(`{"translation_config":{"source_language":"nl-BE","target_language":"en"}}`))
	if err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	if src, tgt := h.orch.Languages(); src != "nl-BE" || tgt != "en" {
		t.Fatalf("Languages() = %s, %s; want nl-BE, en", src, tgt)
	}
	h.observer.waitFor(t, Listening, Reconfiguring)
	h.observer.waitFor(t, Reconfiguring, Listening)

	instruction := h.history.Messages()[0].Content
	if !strings.Contains(instruction, "Flemish (Belgium)") || !strings.Contains(instruction, "English") {
		t.Errorf("instruction = %q", instruction)
	}
	if h.history.Len() != 1 {
		t.Errorf("history length = %d, want 1", h.history.Len())
	}

	h.orch.SubmitUtterance(testUtterance("u1"))
	h.observer.waitTurn(t)

	if hints := h.transcriber.Hints(); len(hints) != 1 || hints[0] != "nl" {
		t.Errorf("hints = %v, want [nl]", hints)
	}
	calls := h.completer.Calls()
	if len(calls) != 1 || calls[0][0].Content != instruction {
		t.Errorf("next turn did not use the new instruction")
	}
	if _, styles := h.synth.(*fakeSynth).Spoken(); styles[0].Language != "en" {
		t.Errorf("synthesis language = %q, want en", styles[0].Language)
	}
}

func TestReconfigureDuringTranslationWaitsForTurn(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.completer.gate = make(chan struct{})
	h.completer.entered = make(chan struct{}, 1)

	h.orch.SubmitUtterance(testUtterance("u1"))
	select {
	case <-h.completer.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("translation never started")
	}

	if err := h.orch.Reconfigure([]byte(`{"translation_config":{"source_language":"vls-BE","target_language":"en"}}`)); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	if h.orch.State() != Translating {
		t.Fatalf("State() = %s, want TRANSLATING", h.orch.State())
	}
	if src, tgt := h.orch.Languages(); src != "en" || tgt != "fr" {
		t.Errorf("languages changed mid-turn: %s->%s", src, tgt)
	}

	close(h.completer.gate)
	h.observer.waitTurn(t)
	h.observer.waitFor(t, Reconfiguring, Listening)

	first := h.completer.Calls()[0]
	if strings.Contains(first[0].Content, "West Flemish") {
		t.Error("in-flight translation saw the new instruction")
	}

	h.orch.SubmitUtterance(testUtterance("u2"))
	h.observer.waitTurn(t)

	hints := h.transcriber.Hints()
	if len(hints) != 2 || hints[0] != "en" || hints[1] != "nl" {
		t.Errorf("hints = %v, want [en nl]", hints)
	}
	calls := h.completer.Calls()
	if !strings.Contains(calls[1][0].Content, "West Flemish (Belgium)") {
		t.Errorf("second instruction = %q", calls[1][0].Content)
	}
	// History of the first turn is kept across the switch
	if len(calls[1]) != 4 {
		t.Errorf("second call history length = %d, want 4", len(calls[1]))
	}
}

func TestReconfigurationsMergeWhileSpeaking(t *testing.T) {
	gate := make(chan struct{})
	synth := &mutableSynth{fakeSynth: fakeSynth{chunks: [][]byte{{1}, {2}}, gate: gate}}
	h := newHarness(t, harnessOptions{synth: synth})

	h.orch.SubmitUtterance(testUtterance("u1"))
	h.observer.waitFor(t, Translating, Speaking)

	for _, raw := range []string{
		`{"translation_config":{"target_language":"de"}}`,
		`{"voice_settings":{"speed":1.5}}`,
		`{"translation_config":{"target_language":"es"}}`,
	} {
		if err := h.orch.Reconfigure([]byte(raw)); err != nil {
			t.Fatalf("Reconfigure(%s) error = %v", raw, err)
		}
	}
	if _, tgt := h.orch.Languages(); tgt != "fr" {
		t.Fatalf("target changed while speaking: %s", tgt)
	}

	close(gate)
	h.observer.waitFor(t, Reconfiguring, Listening)

	if _, tgt := h.orch.Languages(); tgt != "es" {
		t.Errorf("target = %s, want es", tgt)
	}
	style := h.orch.Style()
	if style.Speed != 1.5 || style.Language != "es" {
		t.Errorf("style = %+v, want speed 1.5 language es", style)
	}
	if synth.Style().Speed != 1.5 {
		t.Errorf("backend style = %+v", synth.Style())
	}
	if n := h.orch.Stats().ReconfigsApplied; n != 1 {
		t.Errorf("ReconfigsApplied = %d, want 1 merged request", n)
	}
}

// syncBuffer is a bytes.Buffer safe for the slog handler
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReconfigureSamePairIsSilentNoop(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, harnessOptions{logger: logger})

	before := h.history.Messages()[0].Content

	for _, raw := range []string{
		`{"translation_config":{"source_language":"en","target_language":"fr"}}`,
		`{"translation_config":{"target_language":"fr"}}`,
		`{"voice_settings":{"speed":1.0,"emotion":"neutral"}}`,
	} {
		if err := h.orch.Reconfigure([]byte(raw)); err != nil {
			t.Fatalf("Reconfigure(%s) error = %v", raw, err)
		}
	}

	if after := h.history.Messages()[0].Content; after != before {
		t.Errorf("instruction changed: %q -> %q", before, after)
	}
	if out := logs.String(); out != "" {
		t.Errorf("no-op reconfiguration logged: %s", out)
	}
	if tr := h.observer.Transitions(); len(tr) != 0 {
		t.Errorf("no-op reconfiguration changed state: %v", tr)
	}
	if n := h.orch.Stats().ReconfigsApplied; n != 0 {
		t.Errorf("ReconfigsApplied = %d, want 0", n)
	}
}

func TestMalformedReconfigurationKeepsConfig(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	err := h.orch.Reconfigure([]byte(`{"translation_config":{"target_language":"de"},"voice_settings":{"speed":9}}`))
	if !errors.Is(err, reconfig.ErrMalformedReconfiguration) {
		t.Fatalf("Reconfigure() error = %v, want ErrMalformedReconfiguration", err)
	}
	if _, tgt := h.orch.Languages(); tgt != "fr" {
		t.Errorf("target = %s, want fr (request must be all or nothing)", tgt)
	}
	if h.orch.State() != Listening {
		t.Errorf("State() = %s", h.orch.State())
	}

	stats := h.orch.Stats()
	if stats.ReconfigsMalformed != 1 {
		t.Errorf("ReconfigsMalformed = %d, want 1", stats.ReconfigsMalformed)
	}
	if got := h.observer.Reconfigs(); len(got) != 1 || got[0] != ReconfigMalformed {
		t.Errorf("observer reconfigs = %v", got)
	}
}

func TestVoiceStyleIgnoredWithoutCapability(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := newHarness(t, harnessOptions{logger: logger})

	if err := h.orch.Reconfigure([]byte(`{"voice_settings":{"speed":1.4,"emotion":"joy"}}`)); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	if got := h.orch.Style(); got.Speed != 1.0 || got.Emotion != "neutral" {
		t.Errorf("Style() = %+v, want unchanged", got)
	}
	if strings.Contains(logs.String(), "level=ERROR") || strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("unsupported capability logged as a problem: %s", logs.String())
	}
}

func TestVoiceStyleAppliedWithCapability(t *testing.T) {
	synth := &mutableSynth{fakeSynth: fakeSynth{chunks: [][]byte{{1}}}}
	h := newHarness(t, harnessOptions{synth: synth})

	if err := h.orch.Reconfigure([]byte(`{"voice_settings":{"volume":0.5,"emotion":"calm"}}`)); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	got := h.orch.Style()
	if got.Volume != 0.5 || got.Emotion != "calm" || got.Speed != 1.0 {
		t.Errorf("Style() = %+v", got)
	}
	if b := synth.Style(); b != got {
		t.Errorf("backend style = %+v, want %+v", b, got)
	}

	h.orch.SubmitUtterance(testUtterance("u1"))
	h.observer.waitTurn(t)
	if _, styles := synth.Spoken(); styles[0].Emotion != "calm" {
		t.Errorf("spoken style = %+v", styles[0])
	}
}

func TestSubmitUtteranceDropsOldest(t *testing.T) {
	h := newHarness(t, harnessOptions{noRun: true, queueSize: 2})

	for _, id := range []string{"u1", "u2", "u3"} {
		h.orch.SubmitUtterance(testUtterance(id))
	}
	h.orch.SubmitUtterance(nil)

	stats := h.orch.Stats()
	if stats.DroppedUtterances != 1 || stats.QueuedUtterances != 2 {
		t.Fatalf("dropped = %d, queued = %d; want 1 and 2", stats.DroppedUtterances, stats.QueuedUtterances)
	}
	if first := <-h.orch.utterances; first.ID != "u2" {
		t.Errorf("head of queue = %s, want u2", first.ID)
	}
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriptionTimeout: time.Minute})
	h.transcriber.block = true

	h.orch.SubmitUtterance(testUtterance("u1"))
	h.observer.waitFor(t, Listening, Transcribing)

	h.cancel()

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	h.transcriber.mu.Lock()
	ctxErr := h.transcriber.ctxErr
	h.transcriber.mu.Unlock()
	if !errors.Is(ctxErr, context.Canceled) {
		t.Errorf("transcriber ctx error = %v, want canceled", ctxErr)
	}
	if got := h.observer.waitTurn(t); got != OutcomeAborted {
		t.Errorf("outcome = %s, want aborted", got)
	}
}

func TestRunExitCancelsActiveSpeech(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	synth := &fakeSynth{chunks: [][]byte{{1}, {2}}, gate: gate}
	h := newHarness(t, harnessOptions{synth: synth, noRun: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for !h.orch.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Speech started after Run began, outside any turn context
	active := h.orch.speaker.Speak(context.Background(), "late", synthesis.DefaultStyle())
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !active.Cancelled() {
		t.Error("speech still active after Run returned")
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	deadline := time.Now().Add(3 * time.Second)
	for !h.orch.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := h.orch.Run(context.Background()); err == nil {
		t.Error("second Run() returned nil")
	}
}

func TestNewValidation(t *testing.T) {
	history, _ := translation.NewContext(&fakeCompleter{}, "en", "fr", 0)
	speaker, _ := synthesis.NewController(&fakeSynth{}, newRecordingSink(), nil)
	good := Config{TargetLanguage: "fr", TranscriptionTimeout: time.Second, TranslationTimeout: time.Second}
	deps := Deps{Transcriber: &fakeTranscriber{}, Translator: history, Speaker: speaker}

	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"nil transcriber", func(c *Config, d *Deps) { d.Transcriber = nil }},
		{"nil translator", func(c *Config, d *Deps) { d.Translator = nil }},
		{"nil speaker", func(c *Config, d *Deps) { d.Speaker = nil }},
		{"no target", func(c *Config, d *Deps) { c.TargetLanguage = "" }},
		{"no transcription timeout", func(c *Config, d *Deps) { c.TranscriptionTimeout = 0 }},
		{"no translation timeout", func(c *Config, d *Deps) { c.TranslationTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d := good, deps
			tt.mutate(&c, &d)
			if _, err := New(c, d); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(good, deps); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Listening:     "LISTENING",
		Transcribing:  "TRANSCRIBING",
		Translating:   "TRANSLATING",
		Speaking:      "SPEAKING",
		Reconfiguring: "RECONFIGURING",
		State(42):     "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
