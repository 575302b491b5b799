// Package engine diffs the declared stack against recorded state and drives
// the AWS calls that close the gap. Resources are provisioned wave by wave
// in reference order, with the independent resources of a wave handled by a
// bounded worker pool.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/metrics"
	"github.com/alertpipe/alertpipe/stack"
	"github.com/alertpipe/alertpipe/state"
)

// Op is the planned operation for one resource.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpNoop   Op = "no-op"
)

// Action pairs a resource with the operation the plan calls for. Delete
// actions for resources no longer declared carry only the name and the
// prior record.
type Action struct {
	Name     string
	Op       Op
	Resource stack.Resource // nil for orphan deletes
	Prior    *state.Record
	Hash     string // desired attribute hash, empty for deletes
}

// Plan is the computed set of actions for one run.
type Plan struct {
	Actions []Action
}

// Changes returns the number of actions that touch AWS.
func (p *Plan) Changes() int {
	n := 0
	for _, a := range p.Actions {
		if a.Op != OpNoop {
			n++
		}
	}
	return n
}

// Write renders the plan in the familiar symbol-per-line form.
func (p *Plan) Write(w io.Writer) {
	symbols := map[Op]string{OpCreate: "+", OpUpdate: "~", OpDelete: "-"}
	for _, a := range p.Actions {
		sym, ok := symbols[a.Op]
		if !ok {
			continue
		}
		addr := a.Name
		if a.Resource != nil {
			addr = stack.Address(a.Resource)
		} else if a.Prior != nil {
			addr = fmt.Sprintf("%s.%s", a.Prior.Kind, a.Name)
		}
		fmt.Fprintf(w, "  %s %s\n", sym, addr)
	}
	fmt.Fprintf(w, "Plan: %d to change, %d unchanged\n", p.Changes(), len(p.Actions)-p.Changes())
}

// Engine executes plans against AWS.
type Engine struct {
	clients         *awsx.Clients
	store           state.Store
	prov            map[stack.Kind]Provisioner
	workers         int
	out             io.Writer
	propagationWait time.Duration

	mu  sync.Mutex
	cur state.State
}

// New creates an engine. workers bounds how many resources of one wave are
// provisioned concurrently.
func New(clients *awsx.Clients, store state.Store, workers int, out io.Writer) *Engine {
	if workers < 1 {
		workers = 1
	}
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		clients:         clients,
		store:           store,
		prov:            defaultProvisioners(clients),
		workers:         workers,
		out:             out,
		propagationWait: iamPropagationWait,
	}
}

// SetPropagationWait overrides how long a freshly created IAM role is given
// to propagate before a function tries to assume it.
func (e *Engine) SetPropagationWait(d time.Duration) {
	e.propagationWait = d
}

// Plan computes the actions needed to make AWS match the stack. When targets
// is non-empty only the named resources and everything they reference are
// considered, and nothing is deleted; this is how init bootstraps the state
// bucket before anything else exists.
func (e *Engine) Plan(ctx context.Context, st *stack.Stack, targets []string) (*Plan, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}

	recorded, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	selected, err := selectTargets(st, targets)
	if err != nil {
		return nil, err
	}

	waves, err := st.Waves()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, wave := range waves {
		for _, r := range wave {
			if selected != nil {
				if _, ok := selected[r.LogicalName()]; !ok {
					continue
				}
			}
			hash, err := stack.Hash(r)
			if err != nil {
				return nil, err
			}
			action := Action{Name: r.LogicalName(), Resource: r, Hash: hash}
			if rec, ok := recorded.Get(r.LogicalName()); ok {
				prior := rec
				action.Prior = &prior
				if rec.Hash == hash {
					action.Op = OpNoop
				} else {
					action.Op = OpUpdate
				}
			} else {
				action.Op = OpCreate
			}
			plan.Actions = append(plan.Actions, action)
		}
	}

	// Records with no surviving declaration are deleted, but only on a full
	// plan; a targeted plan must not touch what it was not asked about.
	if selected == nil {
		plan.Actions = append(plan.Actions, orphanDeletes(st, recorded)...)
	}

	return plan, nil
}

// Apply executes a plan. State is saved after every wave so an interrupted
// run resumes where it stopped instead of re-creating what already exists.
func (e *Engine) Apply(ctx context.Context, st *stack.Stack, plan *Plan) (metrics.Report, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	m := metrics.NewMetrics()

	recorded, err := e.store.Load(ctx)
	if err != nil {
		return m.GenerateReport(), fmt.Errorf("failed to load state: %w", err)
	}
	e.mu.Lock()
	e.cur = recorded
	e.mu.Unlock()

	planned := make(map[string]Action, len(plan.Actions))
	for _, a := range plan.Actions {
		planned[a.Name] = a
	}

	waves, err := st.Waves()
	if err != nil {
		return m.GenerateReport(), err
	}

	for _, wave := range waves {
		var pending []Action
		for _, r := range wave {
			a, ok := planned[r.LogicalName()]
			if !ok {
				continue
			}
			switch a.Op {
			case OpCreate, OpUpdate:
				pending = append(pending, a)
			case OpNoop:
				m.RecordUnchanged()
			}
		}
		if len(pending) == 0 {
			continue
		}

		if err := e.applyWave(ctx, pending, m); err != nil {
			saveErr := e.save(ctx)
			if saveErr != nil {
				return m.GenerateReport(), fmt.Errorf("%w (state save also failed: %v)", err, saveErr)
			}
			return m.GenerateReport(), err
		}
		if err := e.save(ctx); err != nil {
			return m.GenerateReport(), err
		}
	}

	// Deletes run last, after everything they might have fed is gone.
	for _, a := range plan.Actions {
		if a.Op != OpDelete {
			continue
		}
		if err := e.deleteOne(ctx, a, m); err != nil {
			_ = e.save(ctx)
			return m.GenerateReport(), err
		}
	}
	if err := e.save(ctx); err != nil {
		return m.GenerateReport(), err
	}

	report := m.GenerateReport()
	fmt.Fprintln(e.out, report)
	return report, nil
}

// Destroy removes every resource the state knows about, in reverse
// reference order. An empty state is a no-op.
func (e *Engine) Destroy(ctx context.Context, st *stack.Stack) (metrics.Report, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	m := metrics.NewMetrics()

	recorded, err := e.store.Load(ctx)
	if err != nil {
		return m.GenerateReport(), fmt.Errorf("failed to load state: %w", err)
	}
	if len(recorded.Resources) == 0 {
		fmt.Fprintln(e.out, "Nothing to destroy")
		return m.GenerateReport(), nil
	}
	e.mu.Lock()
	e.cur = recorded
	e.mu.Unlock()

	waves, err := st.Waves()
	if err != nil {
		return m.GenerateReport(), err
	}

	for i := len(waves) - 1; i >= 0; i-- {
		for _, r := range waves[i] {
			rec, ok := recorded.Get(r.LogicalName())
			if !ok {
				continue
			}
			prior := rec
			a := Action{Name: r.LogicalName(), Op: OpDelete, Resource: r, Prior: &prior}
			if err := e.deleteOne(ctx, a, m); err != nil {
				_ = e.save(ctx)
				return m.GenerateReport(), err
			}
		}
		if err := e.save(ctx); err != nil {
			return m.GenerateReport(), err
		}
	}

	// Anything left in state was declared by an older stack layout.
	e.mu.Lock()
	leftover := orphanDeletes(st, e.cur)
	e.mu.Unlock()
	for _, a := range leftover {
		if err := e.deleteOne(ctx, a, m); err != nil {
			_ = e.save(ctx)
			return m.GenerateReport(), err
		}
	}
	if err := e.save(ctx); err != nil {
		return m.GenerateReport(), err
	}

	report := m.GenerateReport()
	fmt.Fprintln(e.out, report)
	return report, nil
}

// applyWave provisions the wave's actions with a bounded worker pool.
func (e *Engine) applyWave(ctx context.Context, actions []Action, m *metrics.Metrics) error {
	tasks := make(chan Action)
	results := make(chan error, len(actions))
	var wg sync.WaitGroup

	workers := e.workers
	if workers > len(actions) {
		workers = len(actions)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range tasks {
				results <- e.ensureOne(ctx, a, m)
			}
		}()
	}

	for _, a := range actions {
		select {
		case tasks <- a:
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(tasks)
	wg.Wait()
	close(results)

	var errs []error
	for err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some resources failed: %v", errs)
	}
	return nil
}

func (e *Engine) ensureOne(ctx context.Context, a Action, m *metrics.Metrics) error {
	prov, ok := e.prov[a.Resource.Kind()]
	if !ok {
		return fmt.Errorf("no provisioner for %s", a.Resource.Kind())
	}

	verb := "Creating"
	if a.Op == OpUpdate {
		verb = "Updating"
	}
	fmt.Fprintf(e.out, "%s: %s...\n", stack.Address(a.Resource), verb)

	start := time.Now()
	rec, err := prov.Ensure(ctx, a.Resource, a.Prior, e.env())
	m.RecordProvisionTime(time.Since(start))
	if err != nil {
		m.RecordFailed()
		return fmt.Errorf("%s: %w", stack.Address(a.Resource), err)
	}

	rec.Kind = string(a.Resource.Kind())
	rec.Hash = a.Hash
	rec.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.cur.Put(a.Name, rec)
	e.mu.Unlock()

	if a.Op == OpCreate {
		m.RecordCreated()
	} else {
		m.RecordUpdated()
	}
	fmt.Fprintf(e.out, "%s: %s complete\n", stack.Address(a.Resource), verb)
	return nil
}

func (e *Engine) deleteOne(ctx context.Context, a Action, m *metrics.Metrics) error {
	if a.Prior == nil {
		return nil
	}
	prov, ok := e.prov[stack.Kind(a.Prior.Kind)]
	if !ok {
		return fmt.Errorf("no provisioner for %s", a.Prior.Kind)
	}

	fmt.Fprintf(e.out, "%s.%s: Destroying...\n", a.Prior.Kind, a.Name)
	start := time.Now()
	err := prov.Delete(ctx, a.Name, *a.Prior, e.env())
	m.RecordProvisionTime(time.Since(start))
	if err != nil {
		m.RecordFailed()
		return fmt.Errorf("%s.%s: %w", a.Prior.Kind, a.Name, err)
	}

	e.mu.Lock()
	e.cur.Remove(a.Name)
	e.mu.Unlock()
	m.RecordDeleted()
	return nil
}

func (e *Engine) save(ctx context.Context) error {
	e.mu.Lock()
	snapshot := e.cur
	e.mu.Unlock()
	if err := e.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (e *Engine) env() *Env {
	return &Env{
		Clients:         e.clients,
		PropagationWait: e.propagationWait,
		lookup: func(name string) (state.Record, bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.cur.Get(name)
		},
	}
}

// selectTargets expands target names to include everything they reference,
// so a targeted apply never plans an alias without its function.
func selectTargets(st *stack.Stack, targets []string) (map[string]struct{}, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	selected := make(map[string]struct{})
	queue := append([]string(nil), targets...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := selected[name]; done {
			continue
		}
		r, ok := st.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		selected[name] = struct{}{}
		queue = append(queue, r.References()...)
	}
	return selected, nil
}

// deleteOrder ranks kinds so dependents are removed before what they point
// at when only state records are available.
var deleteOrder = map[stack.Kind]int{
	stack.KindSubscription: 0,
	stack.KindPermission:   1,
	stack.KindAlias:        2,
	stack.KindFunction:     3,
	stack.KindTopic:        4,
	stack.KindKeyAlias:     5,
	stack.KindKey:          6,
	stack.KindBucket:       7,
	stack.KindRole:         8,
}

func orphanDeletes(st *stack.Stack, recorded state.State) []Action {
	var actions []Action
	for name, rec := range recorded.Resources {
		if _, declared := st.Lookup(name); declared {
			continue
		}
		prior := rec
		actions = append(actions, Action{Name: name, Op: OpDelete, Prior: &prior})
	}
	sort.Slice(actions, func(i, j int) bool {
		oi := deleteOrder[stack.Kind(actions[i].Prior.Kind)]
		oj := deleteOrder[stack.Kind(actions[j].Prior.Kind)]
		if oi != oj {
			return oi < oj
		}
		return actions[i].Name < actions[j].Name
	})
	return actions
}
