package app_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/app"
	"shopline/internal/bus"
	"shopline/internal/config"
	"shopline/internal/domain"
	shoplinesdk "shopline/sdk/go"
)

func TestWireLocalWorkspace(t *testing.T) {
	ctx := context.Background()
	a, err := app.Wire(ctx, app.Options{Workspace: t.TempDir(), ActorID: "op-3", LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NotNil(t, a.Store)
	require.NotNil(t, a.DB)

	_, err = a.Store.AddMachine(ctx, domain.Machine{ID: "A1"})
	require.NoError(t, err)

	saved := make(chan bus.EditSaved, 1)
	unsubscribe := a.Editor.OnEditSaved(func(e bus.EditSaved) { saved <- e })
	defer unsubscribe()

	a.Editor.OpenEditor(nil, bus.ModeCreate)
	p, err := a.Editor.SubmitEdit(ctx, domain.TimelineItem{MachineID: "A1", Status: domain.StatusSetup})
	require.NoError(t, err)
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.Created)

	select {
	case e := <-saved:
		assert.NoError(t, e.Err)
		assert.True(t, e.Created)
	case <-time.After(5 * time.Second):
		t.Fatal("no EditSaved event")
	}

	items, err := a.Coord.Load(ctx, "A", nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusSetup, items[0].Status)
	assert.Equal(t, out.Record.ServerID(), items[0].ID)
	assert.Equal(t, 1, a.Index.Len())
}

func TestWireReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "reconcile:\n  on_remote_failure: rollback\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	a, err := app.Wire(context.Background(), app.Options{Workspace: dir, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	assert.True(t, a.Config.Rollback())
}

func TestWireRemoteBackend(t *testing.T) {
	a, err := app.Wire(context.Background(), app.Options{
		Workspace: t.TempDir(),
		RemoteURL: "http://127.0.0.1:1",
		Token:     "tok",
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	assert.Nil(t, a.Store)
	assert.Nil(t, a.DB)
	client, ok := a.Backend.(*shoplinesdk.Client)
	require.True(t, ok)
	assert.Equal(t, "tok", client.BearerToken)
	assert.Equal(t, 10*time.Second, client.Timeout)
}
