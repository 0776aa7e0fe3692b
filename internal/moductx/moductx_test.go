package moductx

import (
	"context"
	"testing"

	memorystore "github.com/benediktbwimmer/apphub-core/internal/store/memory"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFilter_UnscopedReturnsAll(t *testing.T) {
	backend := memorystore.New()
	ctx := New(backend)

	ids, err := ctx.Filter(context.Background(), "", ResourceWorkflow, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestFilter_ScopedRestrictsToModule(t *testing.T) {
	backend := memorystore.New()
	ctx := New(backend)
	bg := context.Background()

	require.NoError(t, ctx.Bind(bg, "mod-a", "1", ResourceWorkflow, "wf-1"))

	filtered, err := ctx.Filter(bg, "mod-a", ResourceWorkflow, []string{"wf-1", "wf-2"})
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, filtered)
}

func TestFilter_UnknownModuleIsNotFound(t *testing.T) {
	backend := memorystore.New()
	ctx := New(backend)

	_, err := ctx.Filter(context.Background(), "unknown", ResourceWorkflow, []string{"wf-1"})
	require.Error(t, err)
	var nf *apherrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestModuleIDFromRequest_HeaderWins(t *testing.T) {
	require.Equal(t, "from-header", ModuleIDFromRequest("from-header", "from-query"))
	require.Equal(t, "from-query", ModuleIDFromRequest("", "from-query"))
	require.Equal(t, "", ModuleIDFromRequest("", ""))
}
