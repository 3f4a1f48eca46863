//go:build linux

package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitStatus is the state of one unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	// ActiveSince is set while active, InactiveSince otherwise.
	ActiveSince   time.Time
	InactiveSince time.Time
}

// Manager controls units through the system or user service manager.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a D-Bus connection to the user manager when user is set,
// otherwise to the system manager.
func Connect(ctx context.Context, user bool) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	return m.job(ctx, "start", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.job(ctx, "stop", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.job(ctx, "restart", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, unit, "replace", ch)
	})
}

// job queues a unit job and waits for systemd to report its result.
func (m *Manager) job(ctx context.Context, verb, name string, fn func(*dbus.Conn, string, chan<- string) (int, error)) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return errors.New("systemd connection is closed")
	}
	unit := UnitName(name)
	ch := make(chan string, 1)
	if _, err := fn(conn, unit, ch); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, unit, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", verb, unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status looks up the unit's core state. A missing unit is reported with
// LoadState "not-found" rather than an error.
func (m *Manager) Status(ctx context.Context, name string) (UnitStatus, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return UnitStatus{}, errors.New("systemd connection is closed")
	}
	unit := UnitName(name)
	notFound := UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}

	// Cheap path first; the property map is only needed for timestamps.
	st := UnitStatus{Name: unit}
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		st.Active, st.SubState, st.LoadState, st.Description = u.ActiveState, u.SubState, u.LoadState, u.Description
		if st.LoadState == "not-found" {
			return notFound, nil
		}
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound, nil
		}
		if st.Active != "" {
			return st, nil
		}
		return UnitStatus{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	if st.Active == "" {
		st.Active = stringProperty(props, "ActiveState")
		st.SubState = stringProperty(props, "SubState")
		st.LoadState = stringProperty(props, "LoadState")
		st.Description = stringProperty(props, "Description")
		if st.LoadState == "not-found" {
			return notFound, nil
		}
	}
	st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
	st.InactiveSince = parseTimestamp(props, "InactiveEnterTimestamp")
	return st, nil
}

func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProperty(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
