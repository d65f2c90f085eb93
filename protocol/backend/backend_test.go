package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common"
)

func TestBackend_Config(t *testing.T) {
	cfg := common.DefaultDevelopmentConfig()
	b := New(context.Background(), cfg, nil, nil, nil, nil, nil)

	require.Equal(t, common.Development, b.Env())
	require.Equal(t, cfg, b.Config())
}
