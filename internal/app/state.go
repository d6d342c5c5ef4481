package app

import (
	"context"
	"fmt"
	"strconv"

	"zrbackup/internal/state"
)

// State flag names accepted by SetState.
const (
	FlagRegistered         = "registered"
	FlagBackupsEnabled     = "backups-enabled"
	FlagMediaBackupEnabled = "media-backup-enabled"
	FlagRemoteGCPending    = "remote-gc-pending"
	FlagDeletionState      = "deletion-state"
)

// StateFlags lists the flags SetState accepts.
var StateFlags = []string{
	FlagRegistered,
	FlagBackupsEnabled,
	FlagMediaBackupEnabled,
	FlagRemoteGCPending,
	FlagDeletionState,
}

// State returns the current account flags.
func (a *App) State() state.Snapshot {
	return a.state.Snapshot()
}

// SetState sets one account flag. Booleans take any strconv.ParseBool form;
// the deletion state takes its upper-case name. Marking the account
// registered records the configured account id.
func (a *App) SetState(flag, value string) error {
	if err := a.persistOperation(flag + "=" + value); err != nil {
		return err
	}
	return a.record(a.setState(flag, value))
}

func (a *App) setState(flag, value string) error {
	if flag == FlagDeletionState {
		d, err := state.ParseDeletionState(value)
		if err != nil {
			return err
		}
		return a.state.SetDeletionState(d)
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", flag, err)
	}
	switch flag {
	case FlagRegistered:
		return a.state.SetRegistered(b, a.account.String())
	case FlagBackupsEnabled:
		return a.state.SetBackupsEnabled(b)
	case FlagMediaBackupEnabled:
		return a.state.SetMediaBackupEnabled(b)
	case FlagRemoteGCPending:
		return a.state.SetRemoteGCPending(b)
	default:
		return fmt.Errorf("unknown state flag %q", flag)
	}
}

// ConstraintStatus reports whether one named constraint is met.
type ConstraintStatus struct {
	Key string
	Met bool
}

// Constraints evaluates every registered constraint.
func (a *App) Constraints() []ConstraintStatus {
	keys := a.gate.Keys()
	out := make([]ConstraintStatus, 0, len(keys))
	for _, k := range keys {
		c, ok := a.gate.Get(k)
		if !ok {
			continue
		}
		out = append(out, ConstraintStatus{Key: k, Met: c.IsMet()})
	}
	return out
}

// WaitConstraints blocks until every named constraint is met or ctx is
// done. No keys means every registered constraint.
func (a *App) WaitConstraints(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		keys = a.gate.Keys()
	}
	return a.gate.Wait(ctx, keys...)
}
