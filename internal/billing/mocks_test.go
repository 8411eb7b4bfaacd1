package billing

import (
	"context"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"

	"billingrelay/internal/external"
	"billingrelay/internal/types"
)

// memStore is an in-memory UserStore with the write-once semantics of the
// real backends.
type memStore struct {
	mu     sync.Mutex
	users  map[string]*types.User
	writes int
}

func newMemStore(users ...*types.User) *memStore {
	s := &memStore{users: make(map[string]*types.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) snapshot(id string) types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *s.users[id]
	if u.Subscription != nil {
		sub := *u.Subscription
		u.Subscription = &sub
	}
	return u
}

func (s *memStore) GetByID(_ context.Context, userID string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindByBillingCustomerID(_ context.Context, customerID string, limit int) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*types.User
	for _, id := range ids {
		u := s.users[id]
		if u.BillingCustomerID == customerID {
			cp := *u
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) SetBillingCustomerID(_ context.Context, userID, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	if u.BillingCustomerID == "" {
		u.BillingCustomerID = customerID
		s.writes++
	}
	return u.BillingCustomerID, nil
}

func (s *memStore) ApplySubscription(_ context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	if snapshot != nil {
		cp := *snapshot
		u.Subscription = &cp
	} else {
		u.Subscription = nil
	}
	u.Plan = plan
	s.writes++
	return nil
}

// mockUserStore is a testify mock for error injection.
type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) GetByID(ctx context.Context, userID string) (*types.User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*types.User)
	return u, args.Error(1)
}

func (m *mockUserStore) FindByBillingCustomerID(ctx context.Context, customerID string, limit int) ([]*types.User, error) {
	args := m.Called(ctx, customerID, limit)
	users, _ := args.Get(0).([]*types.User)
	return users, args.Error(1)
}

func (m *mockUserStore) SetBillingCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	args := m.Called(ctx, userID, customerID)
	return args.String(0), args.Error(1)
}

func (m *mockUserStore) ApplySubscription(ctx context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error {
	args := m.Called(ctx, userID, snapshot, plan)
	return args.Error(0)
}

type mockBillingProvider struct {
	mock.Mock
}

func (m *mockBillingProvider) CreateCustomer(ctx context.Context, p external.CustomerParams) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *mockBillingProvider) CreateCheckoutSession(ctx context.Context, p external.CheckoutSessionParams) (*external.CheckoutSession, error) {
	args := m.Called(ctx, p)
	s, _ := args.Get(0).(*external.CheckoutSession)
	return s, args.Error(1)
}

func (m *mockBillingProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

// stubValidator returns err for every struct.
type stubValidator struct {
	err   error
	mu    sync.Mutex
	calls []any
}

func (v *stubValidator) ValidateStruct(s any) error {
	v.mu.Lock()
	v.calls = append(v.calls, s)
	v.mu.Unlock()
	return v.err
}

var (
	_ UserStore                = (*memStore)(nil)
	_ UserStore                = (*mockUserStore)(nil)
	_ external.BillingProvider = (*mockBillingProvider)(nil)
)
