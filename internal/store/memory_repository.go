package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
)

// MemoryRepository keeps everything in process memory behind one mutex. It
// backs STORE_DRIVER=memory for local runs and the service's concurrency tests.
// WithinTx holds the mutex for the whole callback and restores a snapshot if
// the callback fails, so it gives the same all-or-nothing result as Postgres.
type MemoryRepository struct {
	mu          sync.Mutex
	deposits    map[uuid.UUID]domain.DepositRequest
	withdrawals map[uuid.UUID]domain.WithdrawalRequest
	holds       map[uuid.UUID]domain.WithdrawalHold
	cashtags    map[uuid.UUID]domain.CashtagBalance
	methods     map[uuid.UUID][]domain.PlayerPaymentMethod
	locks       map[domain.LockKey]domain.Lock
	references  map[string]struct{}
	clock       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		deposits:    make(map[uuid.UUID]domain.DepositRequest),
		withdrawals: make(map[uuid.UUID]domain.WithdrawalRequest),
		holds:       make(map[uuid.UUID]domain.WithdrawalHold),
		cashtags:    make(map[uuid.UUID]domain.CashtagBalance),
		methods:     make(map[uuid.UUID][]domain.PlayerPaymentMethod),
		locks:       make(map[domain.LockKey]domain.Lock),
		references:  make(map[string]struct{}),
		clock:       time.Now,
	}
}

// SeedCashtag registers a funding cashtag.
func (r *MemoryRepository) SeedCashtag(cashtag domain.CashtagBalance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cashtags[cashtag.ID] = cashtag
}

// SeedPlayerPaymentMethod registers a payment method for a player.
func (r *MemoryRepository) SeedPlayerPaymentMethod(method domain.PlayerPaymentMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method.PlayerID] = append(r.methods[method.PlayerID], method)
}

// PutWithdrawal stores a withdrawal as-is, bypassing creation defaults.
func (r *MemoryRepository) PutWithdrawal(withdrawal domain.WithdrawalRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawals[withdrawal.ID] = withdrawal
}

// PutDeposit stores a deposit as-is, bypassing creation defaults.
func (r *MemoryRepository) PutDeposit(deposit domain.DepositRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits[deposit.ID] = deposit
}

func referenceKey(kind domain.RequestKind, reference string) string {
	return string(kind) + ":" + reference
}

func (r *MemoryRepository) CreateDeposit(ctx context.Context, deposit *domain.DepositRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := referenceKey(domain.RequestKindDeposit, deposit.Reference)
	if _, exists := r.references[ref]; exists {
		return ErrDuplicateReference
	}
	now := r.clock()
	deposit.CreatedAt, deposit.UpdatedAt = now, now
	r.references[ref] = struct{}{}
	r.deposits[deposit.ID] = *deposit
	return nil
}

func (r *MemoryRepository) FindDepositByID(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deposit, ok := r.deposits[depositID]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return &deposit, nil
}

func (r *MemoryRepository) ListDeposits(ctx context.Context, opts domain.DepositListOptions) ([]domain.DepositRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deposits []domain.DepositRequest
	for _, deposit := range r.deposits {
		if opts.Stage != nil && deposit.Stage != *opts.Stage {
			continue
		}
		deposits = append(deposits, deposit)
	}
	sort.Slice(deposits, func(i, j int) bool {
		if deposits[i].CreatedAt.Equal(deposits[j].CreatedAt) {
			return deposits[i].ID.String() < deposits[j].ID.String()
		}
		return deposits[i].CreatedAt.Before(deposits[j].CreatedAt)
	})
	return page(deposits, opts.Limit, opts.Offset), nil
}

func (r *MemoryRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := referenceKey(domain.RequestKindWithdrawal, withdrawal.Reference)
	if _, exists := r.references[ref]; exists {
		return ErrDuplicateReference
	}
	now := r.clock()
	withdrawal.AmountPaid = decimal.Zero
	withdrawal.AmountHold = decimal.Zero
	withdrawal.CreatedAt, withdrawal.UpdatedAt = now, now
	r.references[ref] = struct{}{}
	r.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (r *MemoryRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	withdrawal, ok := r.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &withdrawal, nil
}

func (r *MemoryRepository) ListWithdrawals(ctx context.Context, opts domain.WithdrawalListOptions) ([]domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var withdrawals []domain.WithdrawalRequest
	for _, withdrawal := range r.withdrawals {
		if len(opts.Stages) > 0 && !containsStage(opts.Stages, withdrawal.Stage) {
			continue
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	sortWithdrawals(withdrawals)
	return page(withdrawals, opts.Limit, opts.Offset), nil
}

func (r *MemoryRepository) ListAssignableWithdrawals(ctx context.Context, minAvailable decimal.Decimal, paymentMethod string) ([]domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	method := strings.ToLower(strings.TrimSpace(paymentMethod))
	var withdrawals []domain.WithdrawalRequest
	for _, withdrawal := range r.withdrawals {
		if !withdrawal.Stage.IsAssignable() {
			continue
		}
		available := withdrawal.TotalAmount.Sub(withdrawal.AmountPaid).Sub(withdrawal.AmountHold)
		if available.LessThan(minAvailable) {
			continue
		}
		if method != "" && !r.acceptsMethod(withdrawal, method) {
			continue
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	sortWithdrawals(withdrawals)
	sort.SliceStable(withdrawals, func(i, j int) bool {
		left := withdrawals[i].TotalAmount.Sub(withdrawals[i].AmountPaid).Sub(withdrawals[i].AmountHold)
		right := withdrawals[j].TotalAmount.Sub(withdrawals[j].AmountPaid).Sub(withdrawals[j].AmountHold)
		return left.LessThan(right)
	})
	if len(withdrawals) > maxListLimit {
		withdrawals = withdrawals[:maxListLimit]
	}
	return withdrawals, nil
}

// acceptsMethod mirrors the SQL method filter; callers hold r.mu.
func (r *MemoryRepository) acceptsMethod(withdrawal domain.WithdrawalRequest, method string) bool {
	if strings.ToLower(strings.TrimSpace(withdrawal.PaymentMethod)) == method {
		return true
	}
	for _, registered := range r.methods[withdrawal.PlayerID] {
		if strings.ToLower(strings.TrimSpace(registered.PaymentMethod)) == method {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) ListPlayerPaymentMethods(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID][]domain.PlayerPaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[uuid.UUID][]domain.PlayerPaymentMethod, len(playerIDs))
	for _, id := range playerIDs {
		if methods, ok := r.methods[id]; ok {
			result[id] = append([]domain.PlayerPaymentMethod(nil), methods...)
		}
	}
	return result, nil
}

func (r *MemoryRepository) ListCashtagsByPaymentMethods(ctx context.Context, paymentMethods []string) ([]domain.CashtagBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]struct{}, len(paymentMethods))
	for _, method := range paymentMethods {
		wanted[strings.ToLower(strings.TrimSpace(method))] = struct{}{}
	}
	var cashtags []domain.CashtagBalance
	for _, cashtag := range r.cashtags {
		if _, ok := wanted[strings.ToLower(strings.TrimSpace(cashtag.PaymentMethod))]; ok {
			cashtags = append(cashtags, cashtag)
		}
	}
	sort.Slice(cashtags, func(i, j int) bool { return cashtags[i].Tag < cashtags[j].Tag })
	return cashtags, nil
}

func (r *MemoryRepository) FindHoldByID(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold, ok := r.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return &hold, nil
}

func (r *MemoryRepository) ListHoldsByWithdrawal(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var holds []domain.WithdrawalHold
	for _, hold := range r.holds {
		if hold.WithdrawalID == withdrawalID {
			holds = append(holds, hold)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.Before(holds[j].CreatedAt) })
	return holds, nil
}

func (r *MemoryRepository) AcquireLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.locks[key]
	if ok && current.Status == domain.LockStatusInProcess && !current.Expired(now) {
		if current.HeldBy != nil && *current.HeldBy != agentID {
			return nil, &domain.ContentionError{Key: key, Holder: *current.HeldBy, AcquiredAt: current.AcquiredAt}
		}
		// Re-acquire by the holder only extends the lease.
		current.LeaseExpiresAt = &leaseUntil
		r.locks[key] = current
		return copyLock(current), nil
	}
	holder := agentID
	acquired := now
	lock := domain.Lock{
		Key:            key,
		Status:         domain.LockStatusInProcess,
		HeldBy:         &holder,
		AcquiredAt:     &acquired,
		LeaseExpiresAt: &leaseUntil,
	}
	r.locks[key] = lock
	return copyLock(lock), nil
}

func (r *MemoryRepository) FindLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockOrIdle(key), nil
}

func (r *MemoryRepository) RenewLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.locks[key]
	if !ok || !current.HeldByAgent(agentID, now) {
		return nil, domain.ErrLockNotHeld
	}
	current.LeaseExpiresAt = &leaseUntil
	r.locks[key] = current
	return copyLock(current), nil
}

func (r *MemoryRepository) ReleaseLock(ctx context.Context, key domain.LockKey, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.locks[key]
	if !ok || current.Status == domain.LockStatusIdle {
		return nil
	}
	if current.HeldBy == nil || *current.HeldBy != agentID {
		return domain.ErrLockNotHeld
	}
	r.locks[key] = *domain.IdleLock(key)
	return nil
}

func (r *MemoryRepository) ForceReleaseLock(ctx context.Context, key domain.LockKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.locks[key]
	if !ok || current.Status == domain.LockStatusIdle {
		return false, nil
	}
	r.locks[key] = *domain.IdleLock(key)
	return true, nil
}

func (r *MemoryRepository) ListLocksHeldBy(ctx context.Context, agentID string, now time.Time) ([]domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var locks []domain.Lock
	for _, lock := range r.locks {
		if lock.HeldByAgent(agentID, now) {
			locks = append(locks, *copyLock(lock))
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].AcquiredAt.Before(*locks[j].AcquiredAt) })
	return locks, nil
}

func (r *MemoryRepository) ReclaimExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reclaimed []domain.Lock
	for key, lock := range r.locks {
		if lock.Expired(now) {
			reclaimed = append(reclaimed, *copyLock(lock))
			r.locks[key] = *domain.IdleLock(key)
		}
	}
	return reclaimed, nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()
	if err := fn(&memoryTx{repo: r}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	deposits    map[uuid.UUID]domain.DepositRequest
	withdrawals map[uuid.UUID]domain.WithdrawalRequest
	holds       map[uuid.UUID]domain.WithdrawalHold
	cashtags    map[uuid.UUID]domain.CashtagBalance
	locks       map[domain.LockKey]domain.Lock
}

func (r *MemoryRepository) snapshot() memorySnapshot {
	return memorySnapshot{
		deposits:    cloneMap(r.deposits),
		withdrawals: cloneMap(r.withdrawals),
		holds:       cloneMap(r.holds),
		cashtags:    cloneMap(r.cashtags),
		locks:       cloneMap(r.locks),
	}
}

func (r *MemoryRepository) restore(s memorySnapshot) {
	r.deposits = s.deposits
	r.withdrawals = s.withdrawals
	r.holds = s.holds
	r.cashtags = s.cashtags
	r.locks = s.locks
}

func (r *MemoryRepository) lockOrIdle(key domain.LockKey) *domain.Lock {
	if lock, ok := r.locks[key]; ok {
		return copyLock(lock)
	}
	return domain.IdleLock(key)
}

// memoryTx runs with the repository mutex already held.
type memoryTx struct {
	repo *MemoryRepository
}

func (t *memoryTx) LockDeposit(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error) {
	deposit, ok := t.repo.deposits[depositID]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return &deposit, nil
}

func (t *memoryTx) LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	withdrawal, ok := t.repo.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &withdrawal, nil
}

func (t *memoryTx) LockHold(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error) {
	hold, ok := t.repo.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return &hold, nil
}

func (t *memoryTx) LockAssignedDeposits(ctx context.Context, withdrawalID uuid.UUID) ([]domain.DepositRequest, error) {
	var deposits []domain.DepositRequest
	for _, deposit := range t.repo.deposits {
		if deposit.TargetID != nil && *deposit.TargetID == withdrawalID && deposit.Stage == domain.DepositStageOperations {
			deposits = append(deposits, deposit)
		}
	}
	sort.Slice(deposits, func(i, j int) bool {
		if !deposits[i].CreatedAt.Equal(deposits[j].CreatedAt) {
			return deposits[i].CreatedAt.Before(deposits[j].CreatedAt)
		}
		return deposits[i].ID.String() < deposits[j].ID.String()
	})
	return deposits, nil
}

func (t *memoryTx) LockActiveHolds(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error) {
	var holds []domain.WithdrawalHold
	for _, hold := range t.repo.holds {
		if hold.WithdrawalID == withdrawalID && hold.Status == domain.HoldStatusHeld {
			holds = append(holds, hold)
		}
	}
	sort.Slice(holds, func(i, j int) bool {
		if !holds[i].CreatedAt.Equal(holds[j].CreatedAt) {
			return holds[i].CreatedAt.Before(holds[j].CreatedAt)
		}
		return holds[i].ID.String() < holds[j].ID.String()
	})
	return holds, nil
}

func (t *memoryTx) LockCashtag(ctx context.Context, cashtagID uuid.UUID) (*domain.CashtagBalance, error) {
	cashtag, ok := t.repo.cashtags[cashtagID]
	if !ok {
		return nil, ErrCashtagNotFound
	}
	return &cashtag, nil
}

func (t *memoryTx) CurrentLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error) {
	return t.repo.lockOrIdle(key), nil
}

func (t *memoryTx) PlayerPaymentMethods(ctx context.Context, playerID uuid.UUID) ([]domain.PlayerPaymentMethod, error) {
	return append([]domain.PlayerPaymentMethod(nil), t.repo.methods[playerID]...), nil
}

func (t *memoryTx) UpdateDeposit(ctx context.Context, deposit *domain.DepositRequest) error {
	if _, ok := t.repo.deposits[deposit.ID]; !ok {
		return ErrDepositNotFound
	}
	deposit.UpdatedAt = t.repo.clock()
	t.repo.deposits[deposit.ID] = *deposit
	return nil
}

// UpdateWithdrawal enforces the same balance constraints as the SQL schema.
func (t *memoryTx) UpdateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	if _, ok := t.repo.withdrawals[withdrawal.ID]; !ok {
		return ErrWithdrawalNotFound
	}
	if withdrawal.AmountPaid.IsNegative() || withdrawal.AmountHold.IsNegative() ||
		withdrawal.AmountPaid.Add(withdrawal.AmountHold).GreaterThan(withdrawal.TotalAmount) {
		return &domain.ConsistencyError{Field: "withdrawal_requests", Detail: "balance check constraint violated"}
	}
	withdrawal.UpdatedAt = t.repo.clock()
	t.repo.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (t *memoryTx) UpdateCashtagBalance(ctx context.Context, cashtagID uuid.UUID, balance decimal.Decimal) error {
	cashtag, ok := t.repo.cashtags[cashtagID]
	if !ok {
		return ErrCashtagNotFound
	}
	if balance.IsNegative() {
		return &domain.ConsistencyError{Field: "cashtags.balance", Detail: "balance cannot go negative"}
	}
	cashtag.Balance = balance
	t.repo.cashtags[cashtagID] = cashtag
	return nil
}

func (t *memoryTx) InsertHold(ctx context.Context, hold *domain.WithdrawalHold) error {
	now := t.repo.clock()
	hold.CreatedAt, hold.UpdatedAt = now, now
	t.repo.holds[hold.ID] = *hold
	return nil
}

func (t *memoryTx) UpdateHoldStatus(ctx context.Context, holdID uuid.UUID, status domain.HoldStatus) error {
	hold, ok := t.repo.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	hold.Status = status
	hold.UpdatedAt = t.repo.clock()
	t.repo.holds[holdID] = hold
	return nil
}

func (t *memoryTx) ClearLock(ctx context.Context, key domain.LockKey) error {
	t.repo.locks[key] = *domain.IdleLock(key)
	return nil
}

func copyLock(lock domain.Lock) *domain.Lock {
	out := lock
	if lock.HeldBy != nil {
		holder := *lock.HeldBy
		out.HeldBy = &holder
	}
	if lock.AcquiredAt != nil {
		acquired := *lock.AcquiredAt
		out.AcquiredAt = &acquired
	}
	if lock.LeaseExpiresAt != nil {
		expires := *lock.LeaseExpiresAt
		out.LeaseExpiresAt = &expires
	}
	return &out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsStage(stages []domain.WithdrawalStage, stage domain.WithdrawalStage) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func sortWithdrawals(withdrawals []domain.WithdrawalRequest) {
	sort.Slice(withdrawals, func(i, j int) bool {
		if withdrawals[i].CreatedAt.Equal(withdrawals[j].CreatedAt) {
			return withdrawals[i].ID.String() < withdrawals[j].ID.String()
		}
		return withdrawals[i].CreatedAt.Before(withdrawals[j].CreatedAt)
	})
}

func page[T any](items []T, limit, offset int) []T {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
