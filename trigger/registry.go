package trigger

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ryanbastic/go-bulktrigger/condition"
	"github.com/ryanbastic/go-bulktrigger/schema"
)

// HandlerFunc is the signature every trigger handler implements. Handlers
// mutate cs.Changes[i].New in place; a non-nil error aborts the operation.
type HandlerFunc func(ctx context.Context, cs *ChangeSet) error

// Registration is one stored registry entry. Entries are immutable once
// registered; re-registering the same slot replaces the entry wholesale.
type Registration struct {
	Model    reflect.Type
	Event    Event
	Method   string
	Func     HandlerFunc
	Cond     condition.Condition
	Priority Priority

	// Receiver is the declaring type of the handler, when the handler is a
	// method. Two registrations of the same Method whose receivers share an
	// embedding chain occupy one slot, and the most derived receiver wins.
	Receiver reflect.Type

	// Preload names relation fields to resolve before the handler runs.
	Preload []string

	seq int
}

// Name identifies the handler in logs and error messages.
func (r *Registration) Name() string {
	if r.Receiver != nil {
		return r.Receiver.Name() + "." + r.Method
	}
	return r.Method
}

// RegisterOption customizes a registration.
type RegisterOption func(*Registration)

// When gates the handler per record: only records whose change satisfies c
// are included in the changeset the handler receives.
func When(c condition.Condition) RegisterOption {
	return func(r *Registration) { r.Cond = c }
}

// WithPriority orders the handler among its peers. Defaults to
// PriorityNormal.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithReceiver declares the handler's receiver so registrations of the same
// method name across an embedding chain collapse to the most derived one.
// Pass the receiver instance, e.g. WithReceiver(&AuditTriggers{}).
func WithReceiver(recv any) RegisterOption {
	return func(r *Registration) { r.Receiver = derefType(reflect.TypeOf(recv)) }
}

// WithPreload asks the dispatcher to resolve the named relation fields into
// cs.Related before the handler runs. Preload failures never abort the
// operation.
func WithPreload(fields ...string) RegisterOption {
	return func(r *Registration) { r.Preload = fields }
}

type regKey struct {
	model reflect.Type
	event Event
}

// Registry stores trigger registrations keyed by exact (model, event).
// Reads vastly outnumber writes: registration happens during wiring,
// lookups on every operation.
type Registry struct {
	mu      sync.RWMutex
	entries map[regKey][]*Registration
	seq     int
}

func NewRegistry() *Registry {
	return &Registry{entries: map[regKey][]*Registration{}}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used when no explicit registry
// is wired. Libraries embedding their own dispatch should prefer their own
// instance.
func Default() *Registry { return defaultRegistry }

// Register adds a handler for event on model. Method is the handler's slot
// name; together with the receiver's embedding chain it decides whether a
// later registration overrides an earlier one.
func (reg *Registry) Register(model any, event Event, method string, fn HandlerFunc, opts ...RegisterOption) error {
	if !event.Valid() {
		return fmt.Errorf("register %q: unknown event", event)
	}
	if method == "" {
		return fmt.Errorf("register %s: empty method name", event)
	}
	if fn == nil {
		return fmt.Errorf("register %s.%s: nil handler func", event, method)
	}
	sch, err := schema.Of(model)
	if err != nil {
		return fmt.Errorf("register %s.%s: %w", event, method, err)
	}

	entry := &Registration{
		Model:    sch.Type,
		Event:    event,
		Method:   method,
		Func:     fn,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(entry)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	key := regKey{model: sch.Type, event: event}
	list := reg.entries[key]
	for i, old := range list {
		if !sameSlot(old, entry) {
			continue
		}
		if old.Receiver != nil && entry.Receiver != nil && embeds(old.Receiver, entry.Receiver) {
			// A more derived receiver already owns this slot.
			return nil
		}
		list = append(list[:i], list[i+1:]...)
		break
	}
	reg.seq++
	entry.seq = reg.seq
	list = append(list, entry)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	reg.entries[key] = list
	return nil
}

// MustRegister is Register for wiring done in init funcs.
func (reg *Registry) MustRegister(model any, event Event, method string, fn HandlerFunc, opts ...RegisterOption) {
	if err := reg.Register(model, event, method, fn, opts...); err != nil {
		panic(err)
	}
}

// sameSlot reports whether b re-registers a's slot: the same method name on
// the same receiver, on a receiver embedding it, or both receiver-less.
func sameSlot(a, b *Registration) bool {
	if a.Method != b.Method {
		return false
	}
	if a.Receiver == nil || b.Receiver == nil {
		return a.Receiver == b.Receiver
	}
	return a.Receiver == b.Receiver || embeds(a.Receiver, b.Receiver) || embeds(b.Receiver, a.Receiver)
}

// Triggers returns the registrations for (model, event) in execution order.
// The lookup is exact on the model type; the returned slice is a copy.
func (reg *Registry) Triggers(model reflect.Type, event Event) []*Registration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	list := reg.entries[regKey{model: derefType(model), event: event}]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Registration, len(list))
	copy(out, list)
	return out
}

// Clear removes every registration. Intended for tests.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.entries = map[regKey][]*Registration{}
	reg.seq = 0
}

func derefType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// embeds reports whether child's struct type embeds parent anywhere in its
// anonymous field chain.
func embeds(child, parent reflect.Type) bool {
	child = derefType(child)
	parent = derefType(parent)
	if child == nil || parent == nil || child.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < child.NumField(); i++ {
		f := child.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := derefType(f.Type)
		if ft == parent || embeds(ft, parent) {
			return true
		}
	}
	return false
}
