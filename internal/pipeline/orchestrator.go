package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/live-translator/internal/audio"
	"github.com/skypro1111/live-translator/internal/reconfig"
	"github.com/skypro1111/live-translator/internal/synthesis"
	"github.com/skypro1111/live-translator/internal/transcription"
)

// Stage names passed to Observer.OnStage
const (
	StageTranscription = "transcription"
	StageTranslation   = "translation"
	StageSynthesis     = "synthesis"
)

// Transcriber turns one utterance into text
type Transcriber interface {
	Transcribe(ctx context.Context, u *audio.Utterance, languageHint string) (transcription.Transcript, error)
}

// Translator owns the translation history for one session
type Translator interface {
	SetLanguagePair(source, target string) bool
	AppendUserTurn(transcript string)
	Translate(ctx context.Context) (string, error)
}

// Speaker plays translated text
type Speaker interface {
	Speak(ctx context.Context, text string, style synthesis.Style) *synthesis.Handle
	Cancel(h *synthesis.Handle)
	Active() *synthesis.Handle
	SetStyle(style synthesis.Style) error
}

// Config contains per-session pipeline parameters
type Config struct {
	SessionID            string
	SourceLanguage       string
	TargetLanguage       string
	Style                synthesis.Style
	TranscriptionTimeout time.Duration
	TranslationTimeout   time.Duration
	QueueSize            int // sealed utterances waiting for the turn owner
}

// Deps are the collaborators of one orchestrator
type Deps struct {
	Transcriber Transcriber
	Translator  Translator
	Speaker     Speaker
	Observer    Observer
	Logger      *slog.Logger
}

// Stats represents orchestrator statistics
type Stats struct {
	State              string             `json:"state"`
	SourceLanguage     string             `json:"source_language"`
	TargetLanguage     string             `json:"target_language"`
	Style              synthesis.Style    `json:"style"`
	Turns              uint64             `json:"turns"`
	Outcomes           map[Outcome]uint64 `json:"outcomes"`
	BargeIns           uint64             `json:"barge_ins"`
	ReconfigsApplied   uint64             `json:"reconfigs_applied"`
	ReconfigsMalformed uint64             `json:"reconfigs_malformed"`
	DroppedUtterances  uint64             `json:"dropped_utterances"`
	QueuedUtterances   int                `json:"queued_utterances"`
	LastTurn           time.Time          `json:"last_turn,omitempty"`
}

// Orchestrator runs the turn state machine for one session. A single
// goroutine (Run) owns every turn; SubmitUtterance, SpeechStarted and
// Reconfigure may be called concurrently from transport goroutines.
type Orchestrator struct {
	config      Config
	transcriber Transcriber
	translator  Translator
	speaker     Speaker
	observer    Observer
	logger      *slog.Logger

	utterances chan *audio.Utterance
	wake       chan struct{}
	pending    reconfig.Pending
	running    atomic.Bool

	// turnMu is held across transcription and translation and while a
	// reconfiguration is applied. It is never taken on the barge-in path.
	turnMu sync.Mutex

	// Session state, guarded by mu
	state  State
	source string
	target string
	style  synthesis.Style

	// Statistics
	turns              uint64
	outcomes           map[Outcome]uint64
	bargeIns           uint64
	reconfigsApplied   uint64
	reconfigsMalformed uint64
	droppedUtterances  uint64
	lastTurn           time.Time

	mu sync.RWMutex
}

// New creates an orchestrator in LISTENING
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}
	if deps.Translator == nil {
		return nil, fmt.Errorf("translator cannot be nil")
	}
	if deps.Speaker == nil {
		return nil, fmt.Errorf("speaker cannot be nil")
	}
	if config.TargetLanguage == "" {
		return nil, fmt.Errorf("target language cannot be empty")
	}
	if config.TranscriptionTimeout <= 0 {
		return nil, fmt.Errorf("transcription timeout must be positive")
	}
	if config.TranslationTimeout <= 0 {
		return nil, fmt.Errorf("translation timeout must be positive")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	style := config.Style
	style.Language = reconfig.TranscriptionCode(config.TargetLanguage)

	return &Orchestrator{
		config:      config,
		transcriber: deps.Transcriber,
		translator:  deps.Translator,
		speaker:     deps.Speaker,
		observer:    deps.Observer,
		logger:      deps.Logger.With(slog.String("session_id", config.SessionID)),
		utterances:  make(chan *audio.Utterance, config.QueueSize),
		wake:        make(chan struct{}, 1),
		state:       Listening,
		source:      config.SourceLanguage,
		target:      config.TargetLanguage,
		style:       style,
		outcomes:    make(map[Outcome]uint64),
	}, nil
}

// Run processes turns until ctx is done. In-flight work is cancelled on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already running")
	}
	defer func() { o.speaker.Cancel(o.speaker.Active()) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-o.utterances:
			o.runTurn(ctx, u)
		case <-o.wake:
			o.enterListening()
		}
	}
}

// SubmitUtterance queues a sealed utterance without blocking. When the queue
// is full the oldest waiting utterance is dropped.
func (o *Orchestrator) SubmitUtterance(u *audio.Utterance) {
	if u == nil {
		return
	}
	for {
		select {
		case o.utterances <- u:
			return
		default:
		}

		select {
		case old := <-o.utterances:
			o.mu.Lock()
			o.droppedUtterances++
			o.mu.Unlock()
			o.observer.OnUtteranceDropped()
			o.logger.Warn("Utterance queue full, dropping oldest",
				slog.String("utterance_id", old.ID),
				slog.Duration("length", old.Length))
		default:
		}
	}
}

// SpeechStarted reports the start of a new utterance. While SPEAKING this is
// a barge-in: the active synthesis is cancelled before SpeechStarted returns.
func (o *Orchestrator) SpeechStarted() {
	if o.State() != Speaking {
		return
	}
	h := o.speaker.Active()
	if h == nil {
		return
	}

	o.speaker.Cancel(h)

	o.mu.Lock()
	o.bargeIns++
	o.mu.Unlock()
	o.observer.OnBargeIn()
	o.logger.Info("Barge-in, synthesis cancelled", slog.String("handle_id", h.ID))
}

// Reconfigure parses a control payload. When LISTENING it is applied at once;
// otherwise it waits, merged over any earlier waiting request, for the next
// LISTENING entry. A malformed payload is logged and dropped.
func (o *Orchestrator) Reconfigure(raw []byte) error {
	req, err := reconfig.Parse(raw)
	if err != nil {
		o.mu.Lock()
		o.reconfigsMalformed++
		o.mu.Unlock()
		o.observer.OnReconfiguration(ReconfigMalformed)
		o.logger.Warn("Ignoring malformed reconfiguration", slog.String("error", err.Error()))
		return err
	}
	if req.Empty() {
		return nil
	}

	if o.turnMu.TryLock() {
		if o.State() == Listening {
			if older, ok := o.pending.Take(); ok {
				req = reconfig.Merge(older, req)
			}
			o.apply(req)
			o.turnMu.Unlock()
			return nil
		}
		o.turnMu.Unlock()
	}

	o.pending.Offer(req)
	o.observer.OnReconfiguration(ReconfigQueued)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// runTurn drives one utterance through the pipeline and returns in LISTENING
func (o *Orchestrator) runTurn(ctx context.Context, u *audio.Utterance) {
	start := time.Now()
	text, outcome := o.translateTurn(ctx, u)
	if outcome == OutcomeCompleted {
		outcome = o.speak(ctx, text)
	}

	o.mu.Lock()
	o.turns++
	o.outcomes[outcome]++
	o.lastTurn = time.Now()
	o.mu.Unlock()
	o.observer.OnTurn(outcome, time.Since(start))

	o.enterListening()
}

// translateTurn runs transcription and translation under the turn lock. On
// success the state is still TRANSLATING; speak moves it to SPEAKING.
func (o *Orchestrator) translateTurn(ctx context.Context, u *audio.Utterance) (string, Outcome) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	logger := o.logger.With(slog.String("utterance_id", u.ID))
	source, _ := o.Languages()

	o.transition(Transcribing)
	stageStart := time.Now()
	tctx, cancel := context.WithTimeout(ctx, o.config.TranscriptionTimeout)
	transcript, err := o.transcriber.Transcribe(tctx, u, reconfig.TranscriptionCode(source))
	cancel()
	o.observer.OnStage(StageTranscription, time.Since(stageStart))

	if ctx.Err() != nil {
		return "", OutcomeAborted
	}
	if err != nil {
		logger.Warn("Transcription failed, turn dropped", slog.String("error", err.Error()))
		return "", OutcomeTranscriptionFailed
	}
	if !transcript.Valid {
		logger.Debug("Empty transcript, nothing to translate")
		return "", OutcomeEmpty
	}

	o.transition(Translating)
	stageStart = time.Now()
	lctx, cancel := context.WithTimeout(ctx, o.config.TranslationTimeout)
	o.translator.AppendUserTurn(transcript.Text)
	text, err := o.translator.Translate(lctx)
	cancel()
	o.observer.OnStage(StageTranslation, time.Since(stageStart))

	if ctx.Err() != nil {
		return "", OutcomeAborted
	}
	if err != nil {
		logger.Warn("Translation failed, turn dropped", slog.String("error", err.Error()))
		return "", OutcomeTranslationFailed
	}

	logger.Info("Utterance translated",
		slog.String("transcript", transcript.Text),
		slog.String("translation", text),
		slog.Duration("transcription_latency", transcript.Latency))

	return text, OutcomeCompleted
}

// speak plays text and waits for it to finish or be interrupted. The handle
// is active before the state becomes SPEAKING, so a barge-in always finds it.
func (o *Orchestrator) speak(ctx context.Context, text string) Outcome {
	stageStart := time.Now()
	h := o.speaker.Speak(ctx, text, o.Style())
	o.transition(Speaking)

	select {
	case <-h.Done():
	case <-ctx.Done():
		o.speaker.Cancel(h)
		<-h.Done()
		return OutcomeAborted
	}
	o.observer.OnStage(StageSynthesis, time.Since(stageStart))

	switch {
	case h.Cancelled():
		return OutcomeInterrupted
	case h.Err() != nil:
		return OutcomeSynthesisFailed
	default:
		return OutcomeCompleted
	}
}

// enterListening moves to LISTENING and applies any waiting reconfiguration
func (o *Orchestrator) enterListening() {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.transition(Listening)
	if req, ok := o.pending.Take(); ok {
		o.apply(req)
	}
}

// apply carries out one request. Must be called with turnMu held in LISTENING.
// A request that changes nothing leaves the state and logs untouched.
func (o *Orchestrator) apply(req reconfig.Request) {
	o.mu.RLock()
	source, target, style := o.source, o.target, o.style
	o.mu.RUnlock()

	newSource, newTarget := source, target
	if l := req.Languages; l != nil {
		if l.Source != nil {
			newSource = *l.Source
		}
		if l.Target != nil {
			newTarget = *l.Target
		}
	}
	pairChanged := newSource != source || newTarget != target

	newStyle := style
	if v := req.Voice; v != nil {
		if v.Speed != nil {
			newStyle.Speed = *v.Speed
		}
		if v.Volume != nil {
			newStyle.Volume = *v.Volume
		}
		if v.Emotion != nil {
			newStyle.Emotion = *v.Emotion
		}
	}
	if pairChanged {
		newStyle.Language = reconfig.TranscriptionCode(newTarget)
	}
	styleChanged := newStyle != style

	if !pairChanged && !styleChanged {
		o.observer.OnReconfiguration(ReconfigNoop)
		return
	}

	o.transition(Reconfiguring)

	if pairChanged {
		o.translator.SetLanguagePair(newSource, newTarget)
		o.logger.Info("Language pair changed",
			slog.String("from", source+"->"+target),
			slog.String("to", newSource+"->"+newTarget),
			slog.String("transcription_hint", reconfig.TranscriptionCode(newSource)))
	}

	if styleChanged {
		if err := o.speaker.SetStyle(newStyle); err != nil {
			if !errors.Is(err, synthesis.ErrCapabilityUnsupported) {
				o.logger.Warn("Voice style update failed", slog.String("error", err.Error()))
			} else {
				o.logger.Debug("Voice style not mutable on this backend")
			}
			// language still follows the target even when the voice is fixed
			newStyle = style
			if pairChanged {
				newStyle.Language = reconfig.TranscriptionCode(newTarget)
			}
		} else {
			o.logger.Info("Voice style changed",
				slog.Float64("speed", newStyle.Speed),
				slog.Float64("volume", newStyle.Volume),
				slog.String("emotion", newStyle.Emotion))
		}
	}

	o.mu.Lock()
	o.source, o.target, o.style = newSource, newTarget, newStyle
	o.reconfigsApplied++
	o.mu.Unlock()

	o.observer.OnReconfiguration(ReconfigApplied)
	o.transition(Listening)
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	if from != to {
		o.observer.OnTransition(from, to)
	}
}

// State returns the current turn state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Languages returns the active source and target codes
func (o *Orchestrator) Languages() (source, target string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.source, o.target
}

// Style returns the active voice style
func (o *Orchestrator) Style() synthesis.Style {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.style
}

// Stats returns current orchestrator statistics
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	outcomes := make(map[Outcome]uint64, len(o.outcomes))
	for k, v := range o.outcomes {
		outcomes[k] = v
	}

	return Stats{
		State:              o.state.String(),
		SourceLanguage:     o.source,
		TargetLanguage:     o.target,
		Style:              o.style,
		Turns:              o.turns,
		Outcomes:           outcomes,
		BargeIns:           o.bargeIns,
		ReconfigsApplied:   o.reconfigsApplied,
		ReconfigsMalformed: o.reconfigsMalformed,
		DroppedUtterances:  o.droppedUtterances,
		QueuedUtterances:   len(o.utterances),
		LastTurn:           o.lastTurn,
	}
}
