package partition

import "fmt"

// ARINCError is the small closed set of status codes returned to a
// partition's APEX calls, distinct from the hypervisor-internal
// health.ErrorKind taxonomy.
type ARINCError int

const (
	NoAction ARINCError = iota
	InvalidConfig
	InvalidParam
	InvalidMode
	NotAvailable
)

func (e ARINCError) Error() string {
	switch e {
	case NoAction:
		return "no_action"
	case InvalidConfig:
		return "invalid_config"
	case InvalidParam:
		return "invalid_param"
	case InvalidMode:
		return "invalid_mode"
	case NotAvailable:
		return "not_available"
	default:
		return fmt.Sprintf("arinc_error(%d)", int(e))
	}
}

// Outcome describes what the scheduler must do after a requested mode
// transition is validated.
type Outcome int

const (
	// OutcomeNone means the request was accepted with no side effect
	// (Normal→Normal).
	OutcomeNone Outcome = iota
	// OutcomeSleep means the partition moved into Normal from a start
	// mode and should simply continue running.
	OutcomeSleep
	// OutcomeIdle means the partition should terminate its current
	// generation and stay idle until externally restarted.
	OutcomeIdle
	// OutcomeRespawn means the partition should terminate its current
	// generation and be spawned again in the requested start mode.
	OutcomeRespawn
)

// RequestTransition validates target against the current persisted mode
// per the partition runtime's mode-transition rules and, if accepted, persists it:
//
//	Normal      -> Normal        : NoAction, no respawn
//	ColdStart/WarmStart -> Normal : accepted, partition keeps running
//	Any         -> Idle          : accepted, generation terminates
//	Any         -> ColdStart/WarmStart (except ColdStart->WarmStart)
//	                              : accepted, generation terminates and
//	                                is respawned
//	ColdStart   -> WarmStart      : rejected (InvalidMode)
func (p *Partition) RequestTransition(target Mode) (Outcome, error) {
	current := p.Mode()

	if target == ModeNormal {
		if current == ModeNormal {
			return OutcomeNone, nil
		}
		if err := p.SetMode(ModeNormal); err != nil {
			return OutcomeNone, err
		}
		return OutcomeSleep, nil
	}

	if current == ModeColdStart && target == ModeWarmStart {
		return OutcomeNone, InvalidMode
	}

	if err := p.SetMode(target); err != nil {
		return OutcomeNone, err
	}
	if target == ModeIdle {
		return OutcomeIdle, nil
	}
	return OutcomeRespawn, nil
}
