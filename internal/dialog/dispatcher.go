package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"intent-bot-backend/internal/metrics"
	"intent-bot-backend/internal/nlu"
	"intent-bot-backend/internal/store"
	"intent-bot-backend/internal/telemetry"
	"intent-bot-backend/internal/types"
)

var (
	// ErrStorage means the session could not be loaded or saved; the turn is aborted.
	ErrStorage = errors.New("session storage failed")
	// ErrDelivery means a reply could not be sent; the turn is aborted.
	ErrDelivery = errors.New("reply delivery failed")
	// ErrBadActivity means the inbound activity cannot be routed to a conversation.
	ErrBadActivity = errors.New("activity has no conversation id")
)

// ResultsEvent is the telemetry event dialogs emit when they log results.
const ResultsEvent = "LUIS-results"

// Sender delivers replies for one turn, in order.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// TurnResult summarises a completed turn.
type TurnResult struct {
	Dialog  string
	Intent  nlu.Intent
	Replies []string
}

// Dispatcher runs turns: load session, recognize, run exactly one dialog,
// deliver replies, record telemetry, persist session.
type Dispatcher struct {
	recognizer nlu.Recognizer
	registry   *Registry
	store      store.Store
	sink       telemetry.Sink
	timeout    time.Duration
	log        *zap.Logger
}

// NewDispatcher wires a dispatcher. sink may be nil. A zero timeout leaves
// recognizer calls bounded only by the caller's context.
func NewDispatcher(rec nlu.Recognizer, reg *Registry, st store.Store, sink telemetry.Sink, timeout time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		recognizer: rec,
		registry:   reg,
		store:      st,
		sink:       sink,
		timeout:    timeout,
		log:        log,
	}
}

func (d *Dispatcher) HandleTurn(ctx context.Context, act types.Activity, out Sender) (*TurnResult, error) {
	convID := act.Conversation.ID
	if convID == "" {
		return nil, ErrBadActivity
	}
	log := d.log.With(zap.String("conversation", convID))

	sess, err := d.store.Load(ctx, convID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		metrics.TurnsTotal.WithLabelValues("", "storage_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	sess.Message = act
	if act.ChannelID != "" {
		sess.ChannelID = act.ChannelID
	}
	if act.From.ID != "" {
		sess.UserID = act.From.ID
	}

	res := d.recognize(ctx, log, act.Text)

	var (
		name string
		eff  Effects
	)
	if entry, ok := d.registry.Resolve(res); ok {
		name = entry.Name
		sess.BeginDialog(name)
		eff = entry.Handler(sess, res)
	} else {
		name = FallbackDialog
		sess.BeginDialog(name)
		eff = d.registry.Fallback()(sess)
	}
	top := res.Top()
	log.Debug("dialog selected",
		zap.String("dialog", name),
		zap.String("intent", top.Name),
		zap.Float64("score", top.Score),
	)

	for _, reply := range eff.Replies {
		if err := out.Send(ctx, reply); err != nil {
			metrics.TurnsTotal.WithLabelValues(name, "delivery_error").Inc()
			return nil, fmt.Errorf("%w: %w", ErrDelivery, err)
		}
	}

	if eff.LogResults {
		d.track(ctx, log, act, res)
	}

	// Every dialog is single-turn: the stack is empty again before saving.
	sess.EndDialog()
	sess.TurnCount++
	sess.LastIntent = top.Name

	if err := d.store.Save(ctx, sess); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		metrics.TurnsTotal.WithLabelValues(name, "storage_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	metrics.TurnsTotal.WithLabelValues(name, "ok").Inc()
	return &TurnResult{Dialog: name, Intent: top, Replies: eff.Replies}, nil
}

// recognize never fails the turn: any error yields a nil result, which no
// dialog resolves, so the fallback runs.
func (d *Dispatcher) recognize(ctx context.Context, log *zap.Logger, text string) *nlu.Result {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	res, err := d.recognizer.Recognize(ctx, text)
	if err != nil {
		log.Warn("intent recognition failed, using fallback", zap.Error(err))
		return nil
	}
	return res
}

// track records the incoming message merged with the recognition results.
// Failures are logged and otherwise ignored.
func (d *Dispatcher) track(ctx context.Context, log *zap.Logger, act types.Activity, res *nlu.Result) {
	if d.sink == nil {
		return
	}
	msg, err := telemetry.FromJSON(act)
	if err != nil {
		log.Debug("telemetry payload skipped", zap.Error(err))
		return
	}
	args, err := telemetry.FromJSON(struct {
		Intent *nlu.Result `json:"intent"`
	}{Intent: res})
	if err != nil {
		log.Debug("telemetry payload skipped", zap.Error(err))
		return
	}
	msgC, _ := msg.(telemetry.Composite)
	argsC, _ := args.(telemetry.Composite)
	ev := telemetry.NewEvent(ResultsEvent, telemetry.Merge(msgC, argsC))
	if err := d.sink.Track(ctx, ev); err != nil {
		log.Debug("telemetry event not recorded", zap.String("event", ev.Name), zap.Error(err))
	}
}
