package asyncctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncResourceTypeDefaults(t *testing.T) {
	s := NewStack()
	r := NewAsyncResource(s, "")
	assert.Equal(t, DefaultResourceType, r.Type())

	r2 := NewAsyncResource(s, "HTTPRequest")
	assert.Equal(t, "HTTPRequest", r2.Type())
}

func TestAsyncResourceIDsMonotonic(t *testing.T) {
	s := NewStack()
	r1 := NewAsyncResource(s, "a")
	r2 := NewAsyncResource(s, "b")
	r3 := NewAsyncResource(s, "c")
	assert.Less(t, r1.AsyncID(), r2.AsyncID())
	assert.Less(t, r2.AsyncID(), r3.AsyncID())
}

func TestRunInAsyncScopeRestoresContext(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "slot")

	var r *AsyncResource
	_, err := als.Run("captured", func(args ...any) (any, error) {
		r = NewAsyncResource(s, "test")
		return nil, nil
	})
	require.NoError(t, err)

	// Outside the Run the slot is empty, but the resource re-enters it.
	assert.Nil(t, als.GetStore())
	got, err := r.RunInAsyncScope(func(args ...any) (any, error) {
		return als.GetStore(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "captured", got)
	assert.Nil(t, als.GetStore())
}

func TestRunInAsyncScopeRestoresOnError(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "slot")
	als.EnterWith("ambient")

	r := NewAsyncResource(NewStack(), "other-domain")
	sentinel := errors.New("boom")
	_, err := r.RunInAsyncScope(func(args ...any) (any, error) {
		return nil, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, "ambient", als.GetStore())
}

func TestRunInAsyncScopeRestoresOnPanic(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "slot")

	var r *AsyncResource
	_, err := als.Run("captured", func(args ...any) (any, error) {
		r = NewAsyncResource(s, "test")
		return nil, nil
	})
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = r.RunInAsyncScope(func(args ...any) (any, error) {
			panic("boom")
		})
	})
	// The ambient context is back even though fn panicked.
	assert.Nil(t, als.GetStore())
}

func TestRunInAsyncScopePassesArgs(t *testing.T) {
	s := NewStack()
	r := NewAsyncResource(s, "test")
	got, err := r.RunInAsyncScope(func(args ...any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestRunInAsyncScopeNilCallback(t *testing.T) {
	s := NewStack()
	r := NewAsyncResource(s, "test")
	_, err := r.RunInAsyncScope(nil)
	assert.ErrorIs(t, err, &InvalidArgumentError{})
}

func TestBindCapturesBindTimeContext(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "slot")

	// The resource is constructed under "construction", but Bind happens
	// under "bind-time"; the bound callback must observe the latter.
	var r *AsyncResource
	_, err := als.Run("construction", func(args ...any) (any, error) {
		r = NewAsyncResource(s, "test")
		return nil, nil
	})
	require.NoError(t, err)

	var bound *BoundCallback
	_, err = als.Run("bind-time", func(args ...any) (any, error) {
		bound, err = r.Bind(func(args ...any) (any, error) {
			return als.GetStore(), nil
		})
		return nil, err
	})
	require.NoError(t, err)

	_, err = als.Run("call-time", func(args ...any) (any, error) {
		got, err := bound.Call()
		require.NoError(t, err)
		assert.Equal(t, "bind-time", got)
		// The caller's own context is back afterward.
		assert.Equal(t, "call-time", als.GetStore())
		return nil, nil
	})
	require.NoError(t, err)
}

func TestBindNilCallback(t *testing.T) {
	s := NewStack()
	r := NewAsyncResource(s, "test")
	_, err := r.Bind(nil)
	assert.ErrorIs(t, err, &InvalidArgumentError{})

	_, err = r.Bind(Callback(nil))
	assert.ErrorIs(t, err, &InvalidArgumentError{})
}

func namedCallback(args ...any) (any, error) { return nil, nil }

func TestBoundCallbackMetadata(t *testing.T) {
	s := NewStack()
	bound, err := BindFunc(s, namedCallback, "")
	require.NoError(t, err)
	assert.Contains(t, bound.Name(), "namedCallback")
	assert.Equal(t, 1, bound.Arity())
}

func TestBindFuncRestoresAfterPanic(t *testing.T) {
	s := NewStack()
	als := NewAsyncLocalStorage(s, "slot")

	var bound *BoundCallback
	_, err := als.Run("captured", func(args ...any) (any, error) {
		var err error
		bound, err = BindFunc(s, func(args ...any) (any, error) {
			panic("boom")
		}, "panicky")
		return nil, err
	})
	require.NoError(t, err)

	als.EnterWith("ambient")
	assert.Panics(t, func() { _, _ = bound.Call() })
	assert.Equal(t, "ambient", als.GetStore())
}

func TestEmitDestroyIsNoOp(t *testing.T) {
	s := NewStack()
	r := NewAsyncResource(s, "test")
	r.EmitDestroy()
	r.EmitDestroy()

	// The resource remains fully usable.
	got, err := r.RunInAsyncScope(func(args ...any) (any, error) {
		return "still alive", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still alive", got)
}
