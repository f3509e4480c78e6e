// Package plan implements the plan-scoped ACL and credit-multiplier layer
// sitting beneath per-key overrides: a key with no assigned plan is
// unrestricted, and a plan's deny list always wins over its allow list.
package plan

import (
	"errors"
	"regexp"
	"sync"
	"time"
)

var (
	ErrPlanNotFound     = errors.New("plan: not found")
	ErrPlanNameTaken    = errors.New("plan: name already in use")
	ErrInvalidPlanName  = errors.New("plan: name must match [A-Za-z0-9_-]{1,64}")
	ErrDescriptionLong  = errors.New("plan: description exceeds 500 characters")
	ErrMaxPlans         = errors.New("plan: maximum number of plans reached")
	ErrPlanInUse        = errors.New("plan: cannot delete, still referenced by one or more keys")
)

// MaxPlans bounds the number of distinct plans the resolver will hold.
const MaxPlans = 100

// MaxDescriptionLen bounds a plan's free-text description.
const MaxDescriptionLen = 500

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Plan is a named template of rate, credit, and tool-access limits that
// keys may be assigned to.
type Plan struct {
	Name               string
	Description        string
	RateLimitPerMin    int     // 0 = inherit key-level default
	DailyCallLimit     int64   // 0 = unlimited
	MonthlyCallLimit   int64   // 0 = unlimited
	DailyCreditLimit   float64 // 0 = unlimited
	MonthlyCreditLimit float64 // 0 = unlimited
	CreditMultiplier   float64 // clamped to >= 0; 0 defaults to 1.0 at read time
	AllowedTools       map[string]struct{}
	DeniedTools        map[string]struct{}
	MaxConcurrent      int // 0 = unlimited
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Decision is the result of an ACL check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Resolver holds the plan catalogue and the key -> plan assignment, and
// answers ACL and credit-multiplier questions for a key/tool pair.
type Resolver struct {
	mu        sync.RWMutex
	plans     map[string]*Plan
	keyPlan   map[string]string // key -> plan name
	refCounts map[string]int    // plan name -> number of keys assigned to it
	clk       clockFunc
}

type clockFunc func() time.Time

// New creates an empty Resolver. now defaults to time.Now if nil.
func New(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		plans:     make(map[string]*Plan),
		keyPlan:   make(map[string]string),
		refCounts: make(map[string]int),
		clk:       now,
	}
}

// CreatePlan validates and inserts a new plan definition.
func (r *Resolver) CreatePlan(p Plan) (*Plan, error) {
	if !namePattern.MatchString(p.Name) {
		return nil, ErrInvalidPlanName
	}
	if len(p.Description) > MaxDescriptionLen {
		return nil, ErrDescriptionLong
	}
	if p.CreditMultiplier < 0 {
		p.CreditMultiplier = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plans[p.Name]; exists {
		return nil, ErrPlanNameTaken
	}
	if len(r.plans) >= MaxPlans {
		return nil, ErrMaxPlans
	}

	now := r.clk()
	cp := p
	if cp.AllowedTools == nil {
		cp.AllowedTools = make(map[string]struct{})
	}
	if cp.DeniedTools == nil {
		cp.DeniedTools = make(map[string]struct{})
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.plans[cp.Name] = &cp

	out := cp
	return &out, nil
}

// UpdatePlan replaces an existing plan's mutable fields by name.
func (r *Resolver) UpdatePlan(name string, mutate func(*Plan)) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plans[name]
	if !ok {
		return nil, ErrPlanNotFound
	}
	mutate(p)
	if p.CreditMultiplier < 0 {
		p.CreditMultiplier = 0
	}
	if len(p.Description) > MaxDescriptionLen {
		return nil, ErrDescriptionLong
	}
	p.UpdatedAt = r.clk()

	out := *p
	return &out, nil
}

// GetPlan returns a copy of a plan by name.
func (r *Resolver) GetPlan(name string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	if !ok {
		return nil, false
	}
	out := *p
	return &out, true
}

// ListPlans returns copies of all known plans.
func (r *Resolver) ListPlans() []*Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plan, 0, len(r.plans))
	for _, p := range r.plans {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// DeletePlan removes a plan. Fails if any key is currently assigned to it.
func (r *Resolver) DeletePlan(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plans[name]; !ok {
		return ErrPlanNotFound
	}
	if r.refCounts[name] > 0 {
		return ErrPlanInUse
	}
	delete(r.plans, name)
	delete(r.refCounts, name)
	return nil
}

// AssignKey assigns key to the named plan, or clears its assignment when
// planName is empty.
func (r *Resolver) AssignKey(key, planName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if planName != "" {
		if _, ok := r.plans[planName]; !ok {
			return ErrPlanNotFound
		}
	}

	if prev, had := r.keyPlan[key]; had {
		r.refCounts[prev]--
		if r.refCounts[prev] <= 0 {
			delete(r.refCounts, prev)
		}
	}

	if planName == "" {
		delete(r.keyPlan, key)
		return nil
	}
	r.keyPlan[key] = planName
	r.refCounts[planName]++
	return nil
}

// GetKeyPlan returns the plan currently assigned to key, if any.
func (r *Resolver) GetKeyPlan(key string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.keyPlan[key]
	if !ok {
		return nil, false
	}
	p, ok := r.plans[name]
	if !ok {
		return nil, false
	}
	out := *p
	return &out, true
}

// IsToolAllowedByPlan evaluates the ACL for key against tool:
//  1. No assigned plan: allow.
//  2. Tool present in a non-empty deny list: deny (deny always wins).
//  3. A non-empty allow list exists and doesn't contain tool: deny.
//  4. Otherwise: allow.
func (r *Resolver) IsToolAllowedByPlan(key, tool string) Decision {
	p, ok := r.GetKeyPlan(key)
	if !ok {
		return Decision{Allowed: true}
	}

	if len(p.DeniedTools) > 0 {
		if _, denied := p.DeniedTools[tool]; denied {
			return Decision{Allowed: false, Reason: "denied by plan " + p.Name}
		}
	}
	if len(p.AllowedTools) > 0 {
		if _, allowed := p.AllowedTools[tool]; !allowed {
			return Decision{Allowed: false, Reason: "not in plan " + p.Name + " allowed list"}
		}
	}
	return Decision{Allowed: true}
}

// GetCreditMultiplier returns the assigned plan's multiplier, or 1.0 if the
// key has no plan or the plan's multiplier is unset.
func (r *Resolver) GetCreditMultiplier(key string) float64 {
	p, ok := r.GetKeyPlan(key)
	if !ok || p.CreditMultiplier == 0 {
		return 1.0
	}
	return p.CreditMultiplier
}

// PlanRefCount reports how many keys currently reference a plan by name.
func (r *Resolver) PlanRefCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refCounts[name]
}
