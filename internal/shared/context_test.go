package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorContextRoundTrip(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	ctx := ContextWithActor(context.Background(), Actor{ID: 9, Permissions: []string{" Finance.View ", PermVoucherApprove}})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, int64(9), actor.ID)
	require.True(t, actor.Can(PermFinanceView))
	require.True(t, actor.Can(PermVoucherApprove))
	require.False(t, actor.Can(PermLedgerCompensate))
}

func TestPaginationNormalizes(t *testing.T) {
	page, perPage := ParsePage("", "1000")
	require.Equal(t, 1, page)
	require.Equal(t, MaxPerPage, perPage)

	p := NewPagination(3, 10, 25)
	require.Equal(t, 3, p.TotalPages)
	require.Equal(t, 20, p.Offset())
}
