package asyncctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageRunScopesValue(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	assert.Nil(t, als.GetStore())
	got, err := als.Run(42, func(args ...any) (any, error) {
		return als.GetStore(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Nil(t, als.GetStore())
}

func TestStorageRunPropagatesOutcome(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	sentinel := errors.New("boom")
	got, err := als.Run("store", func(args ...any) (any, error) {
		return "result", sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, "result", got)
}

func TestStorageRunRestoresOnPanic(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	als.EnterWith("outer")
	assert.Panics(t, func() {
		_, _ = als.Run("inner", func(args ...any) (any, error) {
			panic("boom")
		})
	})
	assert.Equal(t, "outer", als.GetStore())
}

func TestStorageRunPassesArgs(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	got, err := als.Run(nil, func(args ...any) (any, error) {
		return args[0].(string) + args[1].(string), nil
	}, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestStorageRunNilCallback(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")
	_, err := als.Run(1, nil)
	assert.ErrorIs(t, err, &InvalidArgumentError{})
}

func TestStorageExitHidesValue(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	_, err := als.Run("visible", func(args ...any) (any, error) {
		got, err := als.Exit(func(args ...any) (any, error) {
			return als.GetStore(), nil
		})
		require.NoError(t, err)
		assert.Nil(t, got)
		// Restored once the exit scope unwinds.
		assert.Equal(t, "visible", als.GetStore())
		return nil, nil
	})
	require.NoError(t, err)
}

func TestStorageExitOnlyAffectsOwnSlot(t *testing.T) {
	s := NewStack()
	a := NewAsyncLocalStorage(s, "a")
	b := NewAsyncLocalStorage(s, "b")

	a.EnterWith(1)
	b.EnterWith(2)
	_, err := a.Exit(func(args ...any) (any, error) {
		assert.Nil(t, a.GetStore())
		assert.Equal(t, 2, b.GetStore())
		return nil, nil
	})
	require.NoError(t, err)
}

func TestStorageEnterWithPersists(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	als.EnterWith("first")
	assert.Equal(t, "first", als.GetStore())
	als.EnterWith("second")
	assert.Equal(t, "second", als.GetStore())
}

func TestStorageEnterWithUndoneByEnclosingScope(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	_, err := als.Run("scoped", func(args ...any) (any, error) {
		als.EnterWith("mutated")
		assert.Equal(t, "mutated", als.GetStore())
		return nil, nil
	})
	require.NoError(t, err)
	// Run's restoration boundary discards the unscoped mutation too.
	assert.Nil(t, als.GetStore())
}

func TestStorageDisableIsTerminal(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	als.EnterWith("value")
	als.Disable()

	assert.Nil(t, als.GetStore())
	als.EnterWith("ignored")
	assert.Nil(t, als.GetStore())

	// Run degenerates to a plain invocation; fn's outcome still propagates.
	got, err := als.Run("ignored", func(args ...any) (any, error) {
		assert.Nil(t, als.GetStore())
		return "ran", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ran", got)

	got, err = als.Exit(func(args ...any) (any, error) {
		return "exited", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "exited", got)
}

func TestStorageInstancesIndependent(t *testing.T) {
	s := NewStack()
	a := NewAsyncLocalStorage(s, "a")
	b := NewAsyncLocalStorage(s, "b")

	_, err := a.Run(1, func(args ...any) (any, error) {
		_, err := b.Run(2, func(args ...any) (any, error) {
			assert.Equal(t, 1, a.GetStore())
			assert.Equal(t, 2, b.GetStore())
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, a.GetStore())
		assert.Nil(t, b.GetStore())
		return nil, nil
	})
	require.NoError(t, err)

	a.Disable()
	b.EnterWith("still works")
	assert.Equal(t, "still works", b.GetStore())
}

func TestStorageName(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "session")
	assert.Equal(t, "session", als.Name())
}

func TestBindCallbackCapturesCurrentContext(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	var bound *BoundCallback
	_, err := als.Run("captured", func(args ...any) (any, error) {
		var err error
		bound, err = BindCallback(s, func(args ...any) (any, error) {
			return als.GetStore(), nil
		})
		return nil, err
	})
	require.NoError(t, err)

	got, err := bound.Call()
	require.NoError(t, err)
	assert.Equal(t, "captured", got)
	assert.Nil(t, als.GetStore())
}

func TestSnapshotScopeRunsUnderCapturedContext(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "request")

	var runner ScopedRunner
	_, err := als.Run("snapshot-time", func(args ...any) (any, error) {
		runner = SnapshotScope(s)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = als.Run("later", func(args ...any) (any, error) {
		got, err := runner(func(args ...any) (any, error) {
			return als.GetStore(), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "snapshot-time", got)
		assert.Equal(t, "later", als.GetStore())
		return nil, nil
	})
	require.NoError(t, err)
}

func TestSnapshotScopeNilCallback(t *testing.T) {
	s := NewStack()
	runner := SnapshotScope(s)
	_, err := runner(nil)
	assert.ErrorIs(t, err, &InvalidArgumentError{})
}

func TestSnapshotScopePassesArgs(t *testing.T) {
	s := NewStack()
	runner := SnapshotScope(s)
	got, err := runner(func(args ...any) (any, error) {
		return len(args), nil
	}, "x", "y", "z")
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}
