package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/wayland-rdpcore/internal/capability"
	"github.com/helixml/wayland-rdpcore/internal/registry"
)

func blankCapabilityRecord() capability.CapabilityRecord {
	return capability.CapabilityRecord{Compositor: capability.CompositorUnknown}
}

type fakeStrategy struct {
	name      string
	canCreate bool
	err       error
	handle    *Handle
}

func (f *fakeStrategy) Name() string                      { return f.name }
func (f *fakeStrategy) CanCreate(*registry.Registry) bool { return f.canCreate }
func (f *fakeStrategy) CreateSession(ctx context.Context, restoreToken string) (*Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	h := *f.handle
	return &h, nil
}

type memRestoreStore struct{ m map[string]string }

func newMemRestoreStore() *memRestoreStore                 { return &memRestoreStore{m: map[string]string{}} }
func (s *memRestoreStore) Load(name string) (string, bool) { v, ok := s.m[name]; return v, ok }
func (s *memRestoreStore) Save(name, token string) error   { s.m[name] = token; return nil }

func TestSelector_SkipsStrategiesThatCannotCreate(t *testing.T) {
	reg := registry.Build(blankCapabilityRecord())
	winner := &fakeStrategy{name: "b", canCreate: true, handle: &Handle{}}
	sel := NewSelector(newMemRestoreStore(),
		&fakeStrategy{name: "a", canCreate: false},
		winner,
	)

	h, err := sel.Select(context.Background(), reg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", h.StrategyName)
}

func TestSelector_FallsThroughOnTransientFailure(t *testing.T) {
	reg := registry.Build(blankCapabilityRecord())
	sel := NewSelector(newMemRestoreStore(),
		&fakeStrategy{name: "a", canCreate: true, err: &StrategyError{Kind: FailureTransportRefused}},
		&fakeStrategy{name: "b", canCreate: true, handle: &Handle{}},
	)

	h, err := sel.Select(context.Background(), reg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", h.StrategyName)
}

func TestSelector_PermissionDeniedIsTerminal(t *testing.T) {
	reg := registry.Build(blankCapabilityRecord())
	sel := NewSelector(newMemRestoreStore(),
		&fakeStrategy{name: "a", canCreate: true, err: &StrategyError{Kind: FailurePermissionDenied}},
		&fakeStrategy{name: "b", canCreate: true, handle: &Handle{}},
	)

	_, err := sel.Select(context.Background(), reg, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission-denied")
}

func TestSelector_GeneratesRestoreTokenWhenStrategyOmitsOne(t *testing.T) {
	reg := registry.Build(blankCapabilityRecord())
	sel := NewSelector(newMemRestoreStore(),
		&fakeStrategy{name: "a", canCreate: true, handle: &Handle{}},
	)

	h, err := sel.Select(context.Background(), reg, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, h.RestoreToken)
}
