package domain

// MaintenanceState is both the explicit state an operator sets on a host,
// service or host component and the effective state derived from the three.
type MaintenanceState string

const (
	MaintenanceOff                       MaintenanceState = "OFF"
	MaintenanceOn                        MaintenanceState = "ON"
	MaintenanceImpliedFromHost           MaintenanceState = "IMPLIED_FROM_HOST"
	MaintenanceImpliedFromService        MaintenanceState = "IMPLIED_FROM_SERVICE"
	MaintenanceImpliedFromServiceAndHost MaintenanceState = "IMPLIED_FROM_SERVICE_AND_HOST"
)

func (m MaintenanceState) IsValidExplicit() bool {
	return m == MaintenanceOff || m == MaintenanceOn
}

// Active reports whether operations should skip the target.
func (m MaintenanceState) Active() bool {
	return m != "" && m != MaintenanceOff
}

// EffectiveMaintenance derives the state of a host component. An explicit ON
// on the component wins; otherwise the host and service states are folded in.
func EffectiveMaintenance(host, service, component MaintenanceState) MaintenanceState {
	if component == MaintenanceOn {
		return MaintenanceOn
	}
	hostOn := host == MaintenanceOn
	serviceOn := service == MaintenanceOn
	switch {
	case hostOn && serviceOn:
		return MaintenanceImpliedFromServiceAndHost
	case hostOn:
		return MaintenanceImpliedFromHost
	case serviceOn:
		return MaintenanceImpliedFromService
	default:
		return MaintenanceOff
	}
}
