// Package tools holds the callable work the server exposes and the dispatch
// layer that runs a call either inline or as a background task.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bgtask/task"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrTaskUnsupported  = errors.New("tool does not support background execution")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrInvalidMode      = errors.New("invalid call mode")
)

// Mode selects how a call is executed.
type Mode string

const (
	ModeSynchronous Mode = "sync"
	ModeBackground  Mode = "background"
)

// ParseMode accepts "sync", "background" or empty, which means def.
func ParseMode(s string, def Mode) (Mode, error) {
	switch Mode(s) {
	case "":
		return def, nil
	case ModeSynchronous, ModeBackground:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Tool binds raw arguments into runnable work. Binding validates the
// arguments up front so bad calls are rejected before anything is queued.
// Only tools with TaskSupport may run as background tasks.
type Tool struct {
	Name        string                                       `json:"name"`
	Description string                                       `json:"description"`
	TaskSupport bool                                         `json:"taskSupport"`
	Bind        func(args map[string]any) (task.Work, error) `json:"-"`
}

// argDefaulter is implemented by argument structs with non-zero defaults.
type argDefaulter interface {
	setDefaults()
}

// argValidator is implemented by argument structs with required fields.
type argValidator interface {
	validate() error
}

// NewTool builds a Tool whose arguments are decoded into A.
func NewTool[A any](name, description string, taskSupport bool, run func(ctx context.Context, args A) (any, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		TaskSupport: taskSupport,
		Bind: func(raw map[string]any) (task.Work, error) {
			var args A
			if d, ok := any(&args).(argDefaulter); ok {
				d.setDefaults()
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
			}
			if v, ok := any(&args).(argValidator); ok {
				if err := v.validate(); err != nil {
					return nil, fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
				}
			}
			return func(ctx context.Context) (any, error) {
				return run(ctx, args)
			}, nil
		},
	}
}

func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]Tool)}
}

func (c *Catalog) Register(t Tool) error {
	if t.Name == "" || t.Bind == nil {
		return fmt.Errorf("tool must have a name and a binder")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	c.tools[t.Name] = t
	return nil
}

func (c *Catalog) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := c.Register(t); err != nil {
			panic(err)
		}
	}
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submitter starts tool calls as background tasks and runs synchronous
// calls. The local Dispatcher and the HTTP client both implement it.
type Submitter interface {
	Submit(ctx context.Context, name string, args map[string]any) (*task.Handle, error)
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Dispatcher runs tool calls against a task registry.
type Dispatcher struct {
	catalog  *Catalog
	registry *task.Registry
}

func NewDispatcher(catalog *Catalog, registry *task.Registry) *Dispatcher {
	return &Dispatcher{catalog: catalog, registry: registry}
}

func (d *Dispatcher) Catalog() *Catalog { return d.catalog }

func (d *Dispatcher) Registry() *task.Registry { return d.registry }

func (d *Dispatcher) bind(name string, args map[string]any) (Tool, task.Work, error) {
	t, ok := d.catalog.Lookup(name)
	if !ok {
		return Tool{}, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	work, err := t.Bind(args)
	if err != nil {
		return Tool{}, nil, err
	}
	return t, work, nil
}

// Submit queues the call as a background task and returns its handle.
func (d *Dispatcher) Submit(ctx context.Context, name string, args map[string]any) (*task.Handle, error) {
	t, work, err := d.bind(name, args)
	if err != nil {
		return nil, err
	}
	if !t.TaskSupport {
		return nil, fmt.Errorf("%w: %s", ErrTaskUnsupported, name)
	}
	return d.registry.Go(ctx, name, work)
}

// Call runs the tool inline and returns its JSON-encoded result. Nothing is
// recorded in the registry.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	_, work, err := d.bind(name, args)
	if err != nil {
		return nil, err
	}
	value, err := runInline(ctx, work)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

func runInline(ctx context.Context, work task.Work) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return work(ctx)
}

// Outcome is the result of Dispatch: a task handle in background mode, a
// result in synchronous mode.
type Outcome struct {
	Handle *task.Handle
	Result json.RawMessage
}

// Dispatch executes a call in the requested mode.
func (d *Dispatcher) Dispatch(ctx context.Context, mode Mode, name string, args map[string]any) (Outcome, error) {
	switch mode {
	case ModeBackground:
		h, err := d.Submit(ctx, name, args)
		return Outcome{Handle: h}, err
	case ModeSynchronous:
		raw, err := d.Call(ctx, name, args)
		return Outcome{Result: raw}, err
	}
	return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
}

// StandardCatalog registers the demo and research tools with durations
// scaled by unit.
func StandardCatalog(unit time.Duration, logger logrus.FieldLogger) *Catalog {
	c := NewCatalog()
	c.MustRegister(Demo{Unit: unit}.Tools()...)
	c.MustRegister(Research{Unit: unit, Logger: logger}.Tools()...)
	return c
}
