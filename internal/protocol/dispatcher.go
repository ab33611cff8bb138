package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/flowq/internal/ctxlog"
)

// HandlerFunc serves one action. Client mistakes are error replies; a
// returned error is a server defect.
type HandlerFunc func(ctx context.Context, params map[string]any) (Reply, error)

// Action binds a name to a handler and the parameters it accepts.
type Action struct {
	Name string
	// Params are the parameter names the handler requires. Requests
	// missing any of them, or carrying others, do not reach the handler.
	Params []string
	// AnyParams passes every parameter through unchecked.
	AnyParams bool
	Handle    HandlerFunc
}

// Metrics counts dispatched requests.
type Metrics struct {
	actions *prometheus.CounterVec
}

// NewMetrics registers the dispatcher's collectors with r. A nil r creates
// unregistered collectors.
func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		actions: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "actions_total",
			Help:      "Total number of dispatched requests by action and reply status.",
		}, []string{"action", "status"}),
	}
}

// Dispatcher routes requests to a closed set of actions.
// It is safe for concurrent use.
type Dispatcher struct {
	actions map[string]Action
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics sets the collectors updated per request.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the base logger for requests.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher checks actions and returns a dispatcher serving exactly
// them.
func NewDispatcher(actions []Action, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		actions: make(map[string]Action, len(actions)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}

	for _, a := range actions {
		if a.Name == "" {
			return nil, errors.New("action with empty name")
		}
		if _, dup := d.actions[a.Name]; dup {
			return nil, fmt.Errorf("action %q registered twice", a.Name)
		}
		if a.Handle == nil {
			return nil, fmt.Errorf("action %q has no handler", a.Name)
		}
		if a.AnyParams && len(a.Params) > 0 {
			return nil, fmt.Errorf("action %q: AnyParams excludes a parameter list", a.Name)
		}
		seen := make(map[string]bool, len(a.Params))
		for _, p := range a.Params {
			if p == "" || seen[p] {
				return nil, fmt.Errorf("action %q: bad or duplicate parameter %q", a.Name, p)
			}
			seen[p] = true
		}
		a.Params = slices.Clone(a.Params)
		d.actions[a.Name] = a
	}
	return d, nil
}

// Actions returns the registered action names, sorted.
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleRaw decodes data and dispatches it. Undecodable input yields an
// error reply.
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte) Reply {
	req, err := DecodeRequest(data)
	if err != nil {
		d.logger.DebugContext(ctx, "invalid request", "error", err)
		d.metrics.actions.WithLabelValues("invalid", string(StatusError)).Inc()
		return Fail(MsgInvalidJSON, nil)
	}
	return d.Dispatch(ctx, req)
}

// Dispatch runs the handler for req.Action and always returns a well-formed
// reply echoing req.RequestID.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Reply {
	ctx = ctxlog.WithLogger(ctx, d.logger.With("request_id", req.RequestID, "action", req.Action))
	logger := ctxlog.FromContext(ctx)

	label := req.Action
	reply, err := d.dispatch(ctx, req)
	if err != nil {
		var unknown *UnknownActionError
		var internal *InternalError
		switch {
		case errors.As(err, &unknown):
			label = "unknown"
			logger.InfoContext(ctx, "unknown action")
			reply = Fail(unknown.Error(), nil)
		case errors.As(err, &internal):
			logger.ErrorContext(ctx, "action failed", "error", err)
			reply = Fail(internal.Message(), nil)
		default:
			logger.ErrorContext(ctx, "action failed", "error", err)
			reply = Fail(MsgInternal, nil)
		}
	}
	if !reply.Status.Valid() {
		logger.ErrorContext(ctx, "handler returned invalid status", "status", reply.Status)
		reply = Fail(MsgInternal, nil)
	}

	reply.RequestID = req.RequestID
	d.metrics.actions.WithLabelValues(label, string(reply.Status)).Inc()
	logger.DebugContext(ctx, "request handled", "status", reply.Status)
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (reply Reply, err error) {
	a, ok := d.actions[req.Action]
	if !ok {
		return Reply{}, &UnknownActionError{Action: req.Action}
	}
	if err := a.check(req.Params); err != nil {
		return Reply{}, &InternalError{Action: a.Name, Mismatch: true, Cause: err}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &InternalError{
				Action: a.Name,
				Cause:  fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	reply, err = a.Handle(ctx, params)
	if err != nil {
		return Reply{}, &InternalError{Action: a.Name, Cause: err}
	}
	return reply, nil
}

// check compares params against the declared parameter list.
func (a Action) check(params map[string]any) error {
	if a.AnyParams {
		return nil
	}
	for _, p := range a.Params {
		if _, ok := params[p]; !ok {
			return fmt.Errorf("missing parameter %q", p)
		}
	}
	for k := range params {
		if !slices.Contains(a.Params, k) {
			return fmt.Errorf("unexpected parameter %q", k)
		}
	}
	return nil
}

// StringParam returns params[name] as a string.
func StringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: want string, got %T", name, v)
	}
	return s, nil
}
