package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	"github.com/fluffypet/chat/internal/pkg/messaging/tests/helpers"
)

func TestResolveBookingIdempotent(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewFakeStore()
	r := New(store, "tenant-1")

	cc := messaging.ConversationContext{BookingID: "bk_1"}
	first, err := r.Resolve(ctx, cc)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := r.Resolve(ctx, cc)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Second call must come from the session cache: poisoning the store
	// afterwards must not matter.
	store.ResolveErr = errors.New("store down")
	third, err := r.Resolve(ctx, cc)
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestResolveDirectPairSymmetric(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewFakeStore()

	fromA := New(store, "tenant-1")
	fromB := New(store, "tenant-1")

	idA, err := fromA.Resolve(ctx, messaging.ConversationContext{SelfUserID: "user-a", PeerUserID: "user-b"})
	require.NoError(t, err)
	idB, err := fromB.Resolve(ctx, messaging.ConversationContext{SelfUserID: "user-b", PeerUserID: "user-a"})
	require.NoError(t, err)

	require.Equal(t, idA, idB)
}

func TestResolveContextValidation(t *testing.T) {
	ctx := context.Background()
	r := New(helpers.NewFakeStore(), "tenant-1")

	_, err := r.Resolve(ctx, messaging.ConversationContext{})
	require.ErrorIs(t, err, messaging.ErrNoContext)

	_, err = r.Resolve(ctx, messaging.ConversationContext{BookingID: "bk_1", AppointmentID: "ap_1"})
	require.ErrorIs(t, err, messaging.ErrAmbiguousContext)

	// Direct context without the caller's own id cannot be normalized.
	_, err = r.Resolve(ctx, messaging.ConversationContext{PeerUserID: "user-b"})
	require.ErrorIs(t, err, messaging.ErrNoContext)
}

func TestResolveConcurrentCallersConverge(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewFakeStore()

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := New(store, "tenant-1")
			ids[i], errs[i] = r.Resolve(ctx, messaging.ConversationContext{AppointmentID: "ap_7"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func TestResolveStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewFakeStore()
	store.ResolveErr = errors.New("permission denied")
	r := New(store, "tenant-1")

	_, err := r.Resolve(ctx, messaging.ConversationContext{BookingID: "bk_1"})
	require.ErrorIs(t, err, messaging.ErrResolutionFailed)

	// Terminal for the attempt, but a later call may succeed.
	store.ResolveErr = nil
	id, err := r.Resolve(ctx, messaging.ConversationContext{BookingID: "bk_1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}
