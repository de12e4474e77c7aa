package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorder(name string, log *[]string, startErr error) ServiceFunc {
	return ServiceFunc{
		ServiceName: name,
		OnStart: func(context.Context) error {
			*log = append(*log, "start "+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			*log = append(*log, "stop "+name)
			return nil
		},
	}
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(recorder("a", &log, nil)))
	require.NoError(t, m.Register(recorder("b", &log, nil)))
	assert.Equal(t, []string{"a", "b"}, m.Names())

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestManager_StartFailureUnwinds(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(recorder("a", &log, nil)))
	require.NoError(t, m.Register(recorder("b", &log, errors.New("port in use"))))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}

func TestManager_RegisterRules(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(ServiceFunc{ServiceName: "a"}))
	assert.Error(t, m.Register(ServiceFunc{ServiceName: "a"}))
	assert.Error(t, m.Register(nil))

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Register(ServiceFunc{ServiceName: "b"}))
}
