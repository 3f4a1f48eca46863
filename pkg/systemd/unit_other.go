//go:build !linux

package systemd

import (
	"context"
	"errors"
	"time"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

type UnitStatus struct {
	Name          string
	Active        string
	SubState      string
	LoadState     string
	Description   string
	ActiveSince   time.Time
	InactiveSince time.Time
}

type Manager struct{}

func Connect(context.Context, bool) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error                          { return nil }
func (m *Manager) Start(context.Context, string) error   { return ErrUnsupported }
func (m *Manager) Stop(context.Context, string) error    { return ErrUnsupported }
func (m *Manager) Restart(context.Context, string) error { return ErrUnsupported }
func (m *Manager) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}
