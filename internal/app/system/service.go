package system

import "context"

// Service is a lifecycle-managed component such as the upgrade keeper or the
// HTTP server. The Manager starts services in registration order and stops
// them in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServiceFunc adapts a pair of functions to Service.
type ServiceFunc struct {
	ServiceName string
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context) error
}

func (s ServiceFunc) Name() string { return s.ServiceName }

func (s ServiceFunc) Start(ctx context.Context) error {
	if s.OnStart == nil {
		return nil
	}
	return s.OnStart(ctx)
}

func (s ServiceFunc) Stop(ctx context.Context) error {
	if s.OnStop == nil {
		return nil
	}
	return s.OnStop(ctx)
}
