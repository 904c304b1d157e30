package policy

// DefaultRoleMultipliers scale every window for elevated roles.
var DefaultRoleMultipliers = map[Role]float64{
	RoleUser:       1.0,
	RoleModerator:  2.0,
	RoleAdmin:      5.0,
	RoleSuperAdmin: 10.0,
}

// DefaultPolicies returns the built-in policy set used when no policy file is
// configured. The limits are placeholders to be tuned per deployment.
func DefaultPolicies() []EndpointPolicy {
	mk := func(method, path string, windows ...Window) EndpointPolicy {
		return EndpointPolicy{
			Method:         method,
			Path:           path,
			Windows:        windows,
			RoleMultiplier: DefaultRoleMultipliers,
		}
	}

	return []EndpointPolicy{
		mk("POST", "/auth/login",
			NewWindow(WindowBurst, 5),
			NewWindow(WindowMinute, 10),
			NewWindow(WindowHour, 50),
		),
		mk("POST", "/media/upload",
			NewWindow(WindowMinute, 10),
			NewWindow(WindowHour, 100),
			NewWindow(WindowDay, 500),
		),
		mk("GET", "/media/{id}",
			NewWindow(WindowBurst, 20),
			NewWindow(WindowMinute, 60),
			NewWindow(WindowHour, 1000),
		),
		mk("DELETE", "/media/{id}",
			NewWindow(WindowMinute, 20),
			NewWindow(WindowDay, 200),
		),
		mk("GET", "/search",
			NewWindow(WindowBurst, 10),
			NewWindow(WindowMinute, 30),
			NewWindow(WindowDay, 5000),
		),
	}
}

// DefaultTable builds a Table from DefaultPolicies.
func DefaultTable() *Table {
	return MustNewTable(DefaultPolicies()...)
}
