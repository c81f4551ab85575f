package inspect

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBusAPI is the subset of the systemd D-Bus connection devstack uses.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	GetUnitPropertyContext(ctx context.Context, unit string, propertyName string) (*dbus.Property, error)
	GetUnitTypePropertiesContext(ctx context.Context, unit string, unitType string) (map[string]interface{}, error)
}

// NewDBusAPI opens a connection to the system bus. Mocked in tests.
var NewDBusAPI = func(ctx context.Context) (DBusAPI, error) {
	return dbus.NewWithContext(ctx)
}

// SystemdBus reads unit state over D-Bus. Each query opens and closes its
// own connection.
type SystemdBus struct{}

// UnitName appends ".service" to names without a unit suffix.
func UnitName(name string) string {
	for _, suffix := range []string{".service", ".socket", ".target", ".timer"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}

func (SystemdBus) UnitState(ctx context.Context, name string) (UnitState, error) {
	conn, err := NewDBusAPI(ctx)
	if err != nil {
		return UnitState{}, err
	}
	defer conn.Close()

	unit := UnitName(name)
	statuses, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return UnitState{}, err
	}
	if len(statuses) == 0 {
		return UnitState{LoadState: "not-found"}, nil
	}

	st := statuses[0]
	state := UnitState{
		LoadState:   st.LoadState,
		ActiveState: st.ActiveState,
		SubState:    st.SubState,
	}
	if st.LoadState == "not-found" {
		return state, nil
	}

	if prop, err := conn.GetUnitPropertyContext(ctx, unit, "UnitFileState"); err == nil {
		state.UnitFileState, _ = prop.Value.Value().(string)
	} else {
		logger.Debugf("UnitFileState for %s: %v", unit, err)
	}

	if strings.HasSuffix(unit, ".service") {
		props, err := conn.GetUnitTypePropertiesContext(ctx, unit, "Service")
		if err != nil {
			logger.Debugf("service properties for %s: %v", unit, err)
			return state, nil
		}
		state.MainPID, _ = props["MainPID"].(uint32)
		state.ControlGroup, _ = props["ControlGroup"].(string)
	}
	return state, nil
}
