package tabs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"proof-capture-engine/internal/tabs"
	"proof-capture-engine/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(opts tabs.Options) (*tabs.Manager, *testutil.FakeDriver) {
	driver := testutil.NewFakeDriver()
	return tabs.NewManager(driver, opts, zerolog.Nop()), driver
}

func TestManager_OpenTabSubscribesBeforeNavigate(t *testing.T) {
	m, driver := newManager(tabs.Options{})
	ctx := context.Background()

	var hookTab string
	id, err := m.OpenTabWith(ctx, "https://x.com/alice/likes", "123", func(tabID string) error {
		hookTab = tabID
		assert.Empty(t, driver.Navigated(), "navigation must wait for the hook")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, id, hookTab)
	assert.Equal(t, []string{"https://x.com/alice/likes"}, driver.Navigated())

	tab, ok := m.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "123", tab.TargetIdentifier)
	assert.Equal(t, "https://x.com/alice/likes", tab.URL)
}

func TestManager_OpenErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenFails", func(t *testing.T) {
		m, driver := newManager(tabs.Options{})
		driver.OpenErr = errors.New("browser not connected")

		_, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
		var lifecycle *tabs.TabLifecycleError
		require.True(t, errors.As(err, &lifecycle))
		assert.Equal(t, "open", lifecycle.Op)
		assert.Empty(t, m.Active())
	})

	t.Run("NavigateFailsClosesTab", func(t *testing.T) {
		m, driver := newManager(tabs.Options{})
		driver.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

		_, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
		var lifecycle *tabs.TabLifecycleError
		require.True(t, errors.As(err, &lifecycle))
		assert.Equal(t, "navigate", lifecycle.Op)
		assert.Empty(t, m.Active())
		assert.Equal(t, 0, driver.OpenTabs())
	})

	t.Run("HookFailsClosesTab", func(t *testing.T) {
		m, driver := newManager(tabs.Options{})
		hookErr := errors.New("subscribe failed")

		_, err := m.OpenTabWith(ctx, "https://x.com/alice/likes", "1", func(string) error { return hookErr })
		assert.ErrorIs(t, err, hookErr)
		assert.Equal(t, 0, driver.OpenTabs())
		assert.Empty(t, driver.Navigated())
	})
}

func TestManager_CloseTabIsIdempotent(t *testing.T) {
	m, driver := newManager(tabs.Options{})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)

	require.NoError(t, m.CloseTab(ctx, id))
	require.NoError(t, m.CloseTab(ctx, id))
	require.NoError(t, m.CloseTab(ctx, "never-opened"))

	assert.Equal(t, 1, driver.CloseCount(id))
	_, ok := m.Lookup(id)
	assert.False(t, ok)
}

func TestManager_CloseTabSwallowsAlreadyClosed(t *testing.T) {
	m, driver := newManager(tabs.Options{})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)
	driver.Destroy(id)

	assert.NoError(t, m.CloseTab(ctx, id))
}

func TestManager_CloseAll(t *testing.T) {
	m, driver := newManager(tabs.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
		require.NoError(t, err)
	}
	require.Len(t, m.Active(), 3)

	require.NoError(t, m.CloseAll(ctx))
	assert.Empty(t, m.Active())
	assert.Equal(t, 0, driver.OpenTabs())
}

func TestManager_BindOneSessionPerTab(t *testing.T) {
	m, _ := newManager(tabs.Options{})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)

	require.NoError(t, m.Bind(id, "s1"))
	require.NoError(t, m.Bind(id, "s1"))
	assert.ErrorIs(t, m.Bind(id, "s2"), tabs.ErrTabBusy)

	m.Release(id, "s2")
	assert.ErrorIs(t, m.Bind(id, "s2"), tabs.ErrTabBusy)

	m.Release(id, "s1")
	assert.NoError(t, m.Bind(id, "s2"))

	assert.ErrorIs(t, m.Bind("missing", "s1"), tabs.ErrUnknownTab)
}

func TestManager_AwaitLoadSettles(t *testing.T) {
	m, _ := newManager(tabs.Options{SettleDelay: 50 * time.Millisecond})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.AwaitLoad(ctx, id))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, m.AwaitLoad(cancelled, id), context.Canceled)

	assert.ErrorIs(t, m.AwaitLoad(ctx, "missing"), tabs.ErrUnknownTab)
}

func TestManager_NudgeIsRateLimited(t *testing.T) {
	m, driver := newManager(tabs.Options{NudgeInterval: time.Hour, NudgeBurst: 1})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)

	ok, err := m.Nudge(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Nudge(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, driver.ScrollCount(id))
}

func TestManager_Forget(t *testing.T) {
	m, driver := newManager(tabs.Options{})
	ctx := context.Background()

	id, err := m.OpenTab(ctx, "https://x.com/alice/likes", "1")
	require.NoError(t, err)

	assert.True(t, m.Forget(id))
	assert.False(t, m.Forget(id))
	require.NoError(t, m.CloseTab(ctx, id))
	assert.Equal(t, 0, driver.CloseCount(id))
}
