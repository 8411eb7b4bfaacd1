package docstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingrelay/internal/types"
)

// newEmulatorStore connects to the Firestore emulator. Tests are skipped
// unless FIRESTORE_EMULATOR_HOST is set.
func newEmulatorStore(t *testing.T) (*FirestoreUserStore, *firestore.Client) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore emulator tests")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "billingrelay-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	collection := "users_" + uuid.NewString()[:8]
	return NewFirestoreUserStore(client, collection), client
}

func seedUser(t *testing.T, client *firestore.Client, store *FirestoreUserStore, id string, data map[string]any) {
	t.Helper()
	_, err := client.Collection(store.collection).Doc(id).Set(context.Background(), data)
	require.NoError(t, err)
}

func TestEmulator_LinkApplyClear(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()

	seedUser(t, client, store, "u1", map[string]any{"email": "u1@example.com", "displayName": "kept"})

	stored, err := store.SetBillingCustomerID(ctx, "u1", "cus_A")
	require.NoError(t, err)
	assert.Equal(t, "cus_A", stored)

	stored, err = store.SetBillingCustomerID(ctx, "u1", "cus_B")
	require.NoError(t, err)
	assert.Equal(t, "cus_A", stored, "first link must win")

	users, err := store.FindByBillingCustomerID(ctx, "cus_A", 2)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)

	snap := &types.SubscriptionSnapshot{SubscriptionID: "sub_1", PriceID: "p1", Status: "active", CurrentPeriodEnd: 1700000000}
	require.NoError(t, store.ApplySubscription(ctx, "u1", snap, types.PlanPro))

	u, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, u.Plan)
	require.NotNil(t, u.Subscription)
	assert.Equal(t, *snap, *u.Subscription)

	require.NoError(t, store.ApplySubscription(ctx, "u1", nil, types.PlanFree))
	u, err = store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u.Subscription)
	assert.Equal(t, types.PlanFree, u.Plan)
	assert.Equal(t, "cus_A", u.BillingCustomerID, "clearing keeps the customer link")

	raw, err := client.Collection(store.collection).Doc("u1").Get(ctx)
	require.NoError(t, err)
	name, err := raw.DataAt("displayName")
	require.NoError(t, err)
	assert.Equal(t, "kept", name, "unrelated fields must survive billing writes")
}

func TestEmulator_MissingUser(t *testing.T) {
	store, _ := newEmulatorStore(t)
	ctx := context.Background()

	_, err := store.GetByID(ctx, "ghost")
	assert.Equal(t, types.ErrCodeNotFoundUser, types.CodeOf(err))

	_, err = store.SetBillingCustomerID(ctx, "ghost", "cus_A")
	assert.Equal(t, types.ErrCodeNotFoundUser, types.CodeOf(err))

	err = store.ApplySubscription(ctx, "ghost", nil, types.PlanFree)
	assert.Equal(t, types.ErrCodeNotFoundUser, types.CodeOf(err))
}

func TestEmulator_ConcurrentLinkConverges(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()
	seedUser(t, client, store, "u1", map[string]any{"email": "u1@example.com"})

	const writers = 5
	results := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.SetBillingCustomerID(ctx, "u1", fmt.Sprintf("cus_%d", i))
			assert.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id, "every writer must observe the same stored id")
	}
}

func TestEmulator_HealthProbe(t *testing.T) {
	store, _ := newEmulatorStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := store.HealthProbe()
	assert.Equal(t, "user_store", probe.Name())
	assert.NoError(t, probe.Check(ctx))
}
