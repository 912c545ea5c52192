// Package params defines the tunable values of the finality voter in one
// process-wide configuration, following a read-mostly pattern: the config
// is read through VoterConfig and only overridden wholesale in tests or at
// process start-up.
package params

import "time"

// VoterSettings holds the timing and buffering knobs of the voter.
type VoterSettings struct {
	// GossipDuration is the estimate T of how long a vote takes to reach
	// the whole voter set. Prevotes are cast after 2T, precommits after 4T.
	GossipDuration time.Duration
	// CommitDelayMax bounds the randomized delay before re-broadcasting a
	// commit for a finalized block.
	CommitDelayMax time.Duration
	// MessageBufferSize is the capacity of per-round vote channels.
	MessageBufferSize int
	// CommitBufferSize is the capacity of the commit protocol channels.
	CommitBufferSize int
	// FinalizedBufferSize is the capacity of the internal finalization
	// notification channel.
	FinalizedBufferSize int
	// SeenCommitCacheSize bounds the cache used to skip re-validation of
	// commits that were already processed.
	SeenCommitCacheSize int
}

var voterSettings = DefaultVoterConfig()

// DefaultVoterConfig returns the settings used in production.
func DefaultVoterConfig() *VoterSettings {
	return &VoterSettings{
		GossipDuration:      200 * time.Millisecond,
		CommitDelayMax:      time.Second,
		MessageBufferSize:   128,
		CommitBufferSize:    16,
		FinalizedBufferSize: 64,
		SeenCommitCacheSize: 256,
	}
}

// VoterConfig retrieves the current voter settings.
func VoterConfig() *VoterSettings {
	return voterSettings
}

// OverrideVoterConfig replaces the process-wide settings. Intended for
// tests and start-up wiring only.
func OverrideVoterConfig(c *VoterSettings) {
	voterSettings = c
}
