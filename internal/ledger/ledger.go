// Package ledger implements a two-phase credit reservation ledger. Balance
// is only ever touched by SetBalance and Settle; a reservation ("hold")
// subtracts from the *available* pool (balance minus active holds) without
// touching balance itself, until it is settled, released, or expires.
package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolmeter/gateway/internal/clock"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotActive = errors.New("reservation is not active")
	ErrTooManyReservations  = errors.New("too many active reservations for key")
	ErrAmountExceedsMax     = errors.New("reservation amount exceeds configured maximum")
)

var (
	holdsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ledger",
		Name:      "holds_total",
		Help:      "Reservations created, labelled by outcome.",
	}, []string{"outcome"})
	settledCredits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ledger",
		Name:      "settled_credits_total",
		Help:      "Total credits settled (spent) across all keys.",
	})
	expiredReservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ledger",
		Name:      "expired_reservations_total",
		Help:      "Reservations that auto-expired before settlement or release.",
	})
)

func init() {
	prometheus.MustRegister(holdsTotal, settledCredits, expiredReservations)
}

// Status is the lifecycle state of a Reservation. Held is the only
// non-terminal status; every other status is absorbing.
type Status string

const (
	StatusHeld     Status = "held"
	StatusSettled  Status = "settled"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Reservation is a single hold against a key's available balance.
type Reservation struct {
	ID            string
	Key           string
	Amount        float64
	Status        Status
	Tool          string
	Note          string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	SettledAmount float64 // set when Status == StatusSettled
	SettledAt     time.Time
	ReleasedAt    time.Time
}

// Config controls ledger limits and the auto-expire sweep.
type Config struct {
	DefaultTTL            time.Duration
	MaxReservationsPerKey int
	MaxReservationAmount  float64
	AutoExpireInterval    time.Duration
}

// DefaultConfig returns reasonable ledger defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:            5 * time.Minute,
		MaxReservationsPerKey: 50,
		MaxReservationAmount:  0, // unlimited
		AutoExpireInterval:    30 * time.Second,
	}
}

type account struct {
	mu      sync.Mutex
	balance float64
	holds   map[string]*Reservation // active (held) reservations only
}

func (a *account) heldSum() float64 {
	sum := 0.0
	for _, r := range a.holds {
		sum += r.Amount
	}
	return sum
}

// Ledger is a per-key two-phase credit reservation ledger.
type Ledger struct {
	cfg Config
	clk clock.Clock

	mu       sync.RWMutex
	accounts map[string]*account

	seq atomic.Int64

	hookMu   sync.Mutex
	onExpire func([]*Reservation)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Ledger and starts its background auto-expire sweep.
func New(cfg Config, clk clock.Clock) *Ledger {
	if cfg.AutoExpireInterval <= 0 {
		cfg.AutoExpireInterval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	l := &Ledger{
		cfg:      cfg,
		clk:      clk,
		accounts: make(map[string]*account),
		stop:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.expireLoop()
	return l
}

func (l *Ledger) account(key string) *account {
	l.mu.RLock()
	a, ok := l.accounts[key]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[key]; ok {
		return a
	}
	a = &account{holds: make(map[string]*Reservation)}
	l.accounts[key] = a
	return a
}

// SetBalance unconditionally assigns a key's balance.
func (l *Ledger) SetBalance(key string, amount float64) {
	a := l.account(key)
	a.mu.Lock()
	a.balance = amount
	a.mu.Unlock()
}

// Balance returns a key's raw balance (not reduced by active holds).
func (l *Ledger) Balance(key string) float64 {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Available returns a key's balance minus the sum of its active holds.
func (l *Ledger) Available(key string) float64 {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance - a.heldSum()
}

// nextID returns the next monotonic reservation ID.
func (l *Ledger) nextID() string {
	n := l.seq.Add(1)
	return "res_" + itoa(n)
}

// ReserveRequest parameterizes Reserve.
type ReserveRequest struct {
	Key        string
	Amount     float64
	Tool       string
	Note       string
	TTLSeconds int // 0 = use the ledger's DefaultTTL
}

// ReserveResult reports the outcome of a Reserve call.
type ReserveResult struct {
	ID              string
	Success         bool
	Error           error
	AvailableBalance float64
	HeldBalance     float64
}

// Reserve places a hold against key's available balance (balance minus
// existing holds). It never mutates balance itself.
func (l *Ledger) Reserve(req ReserveRequest) ReserveResult {
	a := l.account(req.Key)
	a.mu.Lock()
	defer a.mu.Unlock()

	fail := func(err error) ReserveResult {
		holdsTotal.WithLabelValues("rejected").Inc()
		return ReserveResult{
			Success:          false,
			Error:            err,
			AvailableBalance: a.balance - a.heldSum(),
			HeldBalance:      a.heldSum(),
		}
	}

	if req.Amount <= 0 {
		return fail(ErrInvalidAmount)
	}
	if l.cfg.MaxReservationAmount > 0 && req.Amount > l.cfg.MaxReservationAmount {
		return fail(ErrAmountExceedsMax)
	}
	if l.cfg.MaxReservationsPerKey > 0 && len(a.holds) >= l.cfg.MaxReservationsPerKey {
		return fail(ErrTooManyReservations)
	}

	available := a.balance - a.heldSum()
	if available < req.Amount {
		return fail(ErrInsufficientBalance)
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTL
	}

	now := l.clk.Now()
	r := &Reservation{
		ID:        l.nextID(),
		Key:       req.Key,
		Amount:    req.Amount,
		Status:    StatusHeld,
		Tool:      req.Tool,
		Note:      req.Note,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	a.holds[r.ID] = r
	holdsTotal.WithLabelValues("created").Inc()

	return ReserveResult{
		ID:               r.ID,
		Success:          true,
		AvailableBalance: a.balance - a.heldSum(),
		HeldBalance:      a.heldSum(),
	}
}

// Settle finalizes a hold, deducting actualAmount from the key's balance
// directly; a negative actualAmount is rejected with ErrInvalidAmount and
// there is no default amount. actualAmount is
// independent of the originally reserved amount and may exceed it; balance
// may go negative as a result — settlement honours the promise even if the
// balance changed concurrently. A no-op (ok=false) if the reservation isn't
// currently held.
func (l *Ledger) Settle(key, reservationID string, actualAmount float64) (ok bool, err error) {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	r, found := a.holds[reservationID]
	if !found {
		return false, nil
	}
	if r.Status != StatusHeld {
		return false, nil
	}
	if actualAmount < 0 {
		return false, ErrInvalidAmount
	}

	now := l.clk.Now()
	a.balance -= actualAmount
	r.Status = StatusSettled
	r.SettledAmount = actualAmount
	r.SettledAt = now
	delete(a.holds, reservationID)

	settledCredits.Add(actualAmount)
	holdsTotal.WithLabelValues("settled").Inc()
	return true, nil
}

// Release cancels a hold. Balance is unchanged; the hold is simply dropped
// from the held set, freeing up the available pool by its full amount.
func (l *Ledger) Release(key, reservationID string) bool {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	r, found := a.holds[reservationID]
	if !found || r.Status != StatusHeld {
		return false
	}

	r.Status = StatusReleased
	r.ReleasedAt = l.clk.Now()
	delete(a.holds, reservationID)

	holdsTotal.WithLabelValues("released").Inc()
	return true
}

// GetReservation returns a copy of a still-held reservation.
func (l *Ledger) GetReservation(key, reservationID string) (*Reservation, bool) {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.holds[reservationID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// ExpireReservations force-expires held reservations for key past their
// ExpiresAt. Balance is unchanged. Returns the expired reservations.
func (l *Ledger) ExpireReservations(key string) []*Reservation {
	a := l.account(key)
	a.mu.Lock()
	expired := l.expireLocked(a)
	a.mu.Unlock()
	l.notifyExpired(expired)
	return expired
}

// OnExpire registers fn to be called with each batch of reservations the
// ledger expires, whether by the auto-expire sweep or an explicit
// ExpireReservations call. fn runs outside any account lock.
func (l *Ledger) OnExpire(fn func([]*Reservation)) {
	l.hookMu.Lock()
	l.onExpire = fn
	l.hookMu.Unlock()
}

func (l *Ledger) notifyExpired(expired []*Reservation) {
	if len(expired) == 0 {
		return
	}
	l.hookMu.Lock()
	fn := l.onExpire
	l.hookMu.Unlock()
	if fn != nil {
		fn(expired)
	}
}

// expireLocked must be called with a.mu held.
func (l *Ledger) expireLocked(a *account) []*Reservation {
	now := l.clk.Now()
	var expired []*Reservation
	for id, r := range a.holds {
		if now.Before(r.ExpiresAt) {
			continue
		}
		r.Status = StatusExpired
		delete(a.holds, id)
		cp := *r
		expired = append(expired, &cp)
	}
	if len(expired) > 0 {
		expiredReservations.Add(float64(len(expired)))
	}
	return expired
}

// ActiveReservations returns all currently-held reservations for key.
func (l *Ledger) ActiveReservations(key string) []*Reservation {
	a := l.account(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Reservation, 0, len(a.holds))
	for _, r := range a.holds {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (l *Ledger) expireLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.AutoExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepAllExpired()
		case <-l.stop:
			return
		}
	}
}

func (l *Ledger) sweepAllExpired() {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	for _, a := range accounts {
		a.mu.Lock()
		expired := l.expireLocked(a)
		a.mu.Unlock()
		l.notifyExpired(expired)
	}
}

// Stop halts the background auto-expire goroutine. Must not prevent process
// exit — callers should invoke it during graceful shutdown.
func (l *Ledger) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
