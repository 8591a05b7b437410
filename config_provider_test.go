package modkernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConfigStore struct {
	mock.Mock
}

func (m *mockConfigStore) Initialize(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockConfigStore) Load(ctx context.Context) error       { return m.Called(ctx).Error(0) }
func (m *mockConfigStore) GetAll() Config                       { return m.Called().Get(0).(Config) }
func (m *mockConfigStore) OnChange(fn ConfigChangeFunc)         { m.Called(fn) }
func (m *mockConfigStore) EnableAsyncSave(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockConfigStore) Save(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockConfigStore) Flush(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockConfigStore) Close() error                    { return m.Called().Error(0) }

func TestApplication_ConfigStoreBootOrder(t *testing.T) {
	store := &mockConfigStore{}
	initCall := store.On("Initialize", mock.Anything).Return(nil).Once()
	loadCall := store.On("Load", mock.Anything).Return(nil).Once().NotBefore(initCall)
	getCall := store.On("GetAll").Return(Config{"worker": map[string]any{"rate": 2}}).Once().NotBefore(loadCall)
	onChange := store.On("OnChange", mock.Anything).Return().Once().NotBefore(getCall)
	store.On("EnableAsyncSave", mock.Anything).Return(nil).Once().NotBefore(onChange)

	k := NewKernel(KernelConfig{}, nil)
	mod := newTestModule("WorkerModule", nil)
	require.NoError(t, k.Modules().Register(mod, PriorityStandard))
	app, err := NewApplication(k, WithConfigStore(store), WithSystemProbe(newFakeProbe(64*mib, 8*mib)))
	require.NoError(t, err)

	require.NoError(t, app.Initialize(context.Background()))
	assert.Equal(t, Section{"rate": 2}, mod.lastSection())
	store.AssertExpectations(t)

	flush := store.On("Flush", mock.Anything).Return(errors.New("disk full")).Once()
	store.On("Close").Return(nil).Once().NotBefore(flush)

	err = app.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	_, stops := mod.counts()
	assert.Equal(t, 1, stops, "modules are stopped even when the flush fails")
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Save", mock.Anything)
}

func TestApplication_ConfigLoadFailure(t *testing.T) {
	store := &mockConfigStore{}
	store.On("Initialize", mock.Anything).Return(nil)
	store.On("Load", mock.Anything).Return(errors.New("corrupt file"))
	store.On("Flush", mock.Anything).Return(nil)
	store.On("Close").Return(nil)

	k := NewKernel(KernelConfig{}, nil)
	mod := newTestModule("WorkerModule", nil)
	require.NoError(t, k.Modules().Register(mod, PriorityStandard))
	app, err := NewApplication(k, WithConfigStore(store))
	require.NoError(t, err)

	err = app.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config load")
	assert.Equal(t, AppStateError, app.State())
	inits, _ := mod.counts()
	assert.Zero(t, inits)
	store.AssertNotCalled(t, "GetAll")

	require.NoError(t, app.Shutdown(context.Background()))
}

func TestStaticConfigStore(t *testing.T) {
	s := NewStaticConfigStore(nil)
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Loaded())

	var changes []string
	s.OnChange(func(path string, value any) { changes = append(changes, path) })
	s.Set("climate.setpoint", 5.5)
	s.Set("debug", true)

	cfg := s.GetAll()
	assert.Equal(t, map[string]any{"setpoint": 5.5}, cfg["climate"])
	assert.Equal(t, true, cfg["debug"])
	assert.Equal(t, []string{"climate.setpoint", "debug"}, changes)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, s.Flushes())
}
