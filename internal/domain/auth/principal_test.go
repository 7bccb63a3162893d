package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: 7, Role: RoleAdmin})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(7), p.UserID)
	assert.True(t, p.IsAdmin())
	assert.False(t, Principal{Role: RoleUser}.IsAdmin())
}
