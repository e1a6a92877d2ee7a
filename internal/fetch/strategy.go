package fetch

import "clipforge/internal/identity"

// Constraint expresses how strict the engine is about the delivered format.
type Constraint string

const (
	// ConstraintStrict requests the caller's quality hint exactly.
	ConstraintStrict Constraint = "strict"
	// ConstraintRelaxed accepts alternate codecs and qualities.
	ConstraintRelaxed Constraint = "relaxed"
	// ConstraintAny takes whatever presentation the provider will serve.
	ConstraintAny Constraint = "any"
)

// Strategy bundles a fingerprint profile with the provider access-client
// variant it implies. Strategies are tried in order within a phase.
type Strategy struct {
	Name    string
	Profile identity.Profile
}

func strategiesFor(profiles []identity.Profile) []Strategy {
	strategies := make([]Strategy, 0, len(profiles))
	for _, profile := range profiles {
		strategies = append(strategies, Strategy{Name: profile.Name, Profile: profile})
	}
	return strategies
}

// primaryStrategies is the short high-priority list used while identities are
// sticky. Ordering reflects which presentations providers flag least often.
func primaryStrategies() []Strategy {
	profiles := identity.Profiles()
	if len(profiles) > 3 {
		profiles = profiles[:3]
	}
	return strategiesFor(profiles)
}

// allStrategies covers every known fingerprint profile.
func allStrategies() []Strategy {
	return strategiesFor(identity.Profiles())
}
