package master

import "time"

// Configuration carries the sizing constants of spec.md §6 as overridable
// fields, mirroring the teacher's config.Configuration/NodeConfigurator
// pattern: sensible defaults applied by NewConfiguration, every field
// still settable before Context construction.
type Configuration struct {
	MaxSlaves        int
	MaxGroups        int
	DatagramTimeout  time.Duration
	EepromTimeout    time.Duration
	StateTimeout     time.Duration
	MailboxTimeout   time.Duration
	CyclicInterval   time.Duration
	// ProfileTablePath, if set, is loaded via pkg/sii.LoadProfileTable and
	// consulted during enumeration before falling back to SII parsing
	// (spec.md §4.E.6).
	ProfileTablePath string
}

// NewConfiguration returns a Configuration with spec.md §6 defaults.
func NewConfiguration() Configuration {
	return Configuration{
		MaxSlaves:       200,
		MaxGroups:       2,
		DatagramTimeout: 2 * time.Millisecond,
		EepromTimeout:   20 * time.Millisecond,
		StateTimeout:    5 * time.Second,
		MailboxTimeout:  20 * time.Millisecond,
		CyclicInterval:  1 * time.Millisecond,
	}
}
