package conflict

import (
	"fmt"
	"strings"
	"time"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// Resolution is the value recorded on a resolved conflict.
type Resolution string

const (
	ResolutionExternalWins Resolution = "external_wins"
	ResolutionLocalWins    Resolution = "local_wins"
)

// Decision is what a policy did to the local event.
type Decision struct {
	// Persist asks the resolver to write local back.
	Persist bool
	// Overwrote is set when mapped fields were replaced by the external values.
	Overwrote bool
	// Resolution is empty when the conflict stays pending.
	Resolution Resolution
}

// Policy decides how a detected divergence is settled. Decide mutates local in place.
type Policy interface {
	Name() string
	Decide(local, external *models.Event, now time.Time) Decision
}

// ExternalWins overwrites the local record with the provider's version.
type ExternalWins struct{}

func (ExternalWins) Name() string { return string(ResolutionExternalWins) }

func (ExternalWins) Decide(local, external *models.Event, now time.Time) Decision {
	local.Apply(external)
	local.UpdatedAt = now
	local.MarkSynced(models.SyncStatusConflict, now)
	return Decision{Persist: true, Overwrote: true, Resolution: ResolutionExternalWins}
}

// LocalWins keeps the local record and queues it so the next push overwrites the provider.
type LocalWins struct{}

func (LocalWins) Name() string { return string(ResolutionLocalWins) }

func (LocalWins) Decide(local, _ *models.Event, now time.Time) Decision {
	local.SyncStatus = models.SyncStatusPending
	local.SyncError = nil
	local.UpdatedAt = now
	return Decision{Persist: true, Resolution: ResolutionLocalWins}
}

// Manual leaves the conflict pending for a person to settle with Resolver.Resolve.
type Manual struct{}

func (Manual) Name() string { return "manual" }

func (Manual) Decide(local, _ *models.Event, _ time.Time) Decision {
	local.SyncStatus = models.SyncStatusConflict
	return Decision{Persist: true}
}

// PolicyFor returns the policy with the given name. An empty name selects ExternalWins.
func PolicyFor(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(ResolutionExternalWins):
		return ExternalWins{}, nil
	case string(ResolutionLocalWins):
		return LocalWins{}, nil
	case "manual":
		return Manual{}, nil
	}
	return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("unknown conflict policy %q", name), nil)
}
