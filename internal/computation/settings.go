package computation

// Settings holds the concurrency of computations, the partitions of streams and the
// policies, with defaults for anything not set explicitly.
type Settings struct {
	defaultConcurrency int
	defaultPartitions  int
	defaultPolicy      Policy

	concurrency map[string]int
	partitions  map[string]int
	policies    map[string]Policy
}

// NewSettings returns settings with default concurrency and partitions
func NewSettings(concurrency, partitions int) *Settings {
	return &Settings{
		defaultConcurrency: concurrency,
		defaultPartitions:  partitions,
		defaultPolicy:      NoRetry,
		concurrency:        make(map[string]int),
		partitions:         make(map[string]int),
		policies:           make(map[string]Policy),
	}
}

// NewSettingsWithPolicy returns settings with a default policy
func NewSettingsWithPolicy(concurrency, partitions int, policy Policy) *Settings {
	return NewSettings(concurrency, partitions).SetDefaultPolicy(policy)
}

func (s *Settings) SetConcurrency(computation string, concurrency int) *Settings {
	s.concurrency[computation] = concurrency
	return s
}

func (s *Settings) SetPartitions(stream string, partitions int) *Settings {
	s.partitions[stream] = partitions
	return s
}

func (s *Settings) SetPolicy(computation string, policy Policy) *Settings {
	s.policies[computation] = policy
	return s
}

func (s *Settings) SetDefaultPolicy(policy Policy) *Settings {
	s.defaultPolicy = policy
	return s
}

// Concurrency returns the number of runners of a computation
func (s *Settings) Concurrency(computation string) int {
	if c, ok := s.concurrency[computation]; ok {
		return c
	}
	return s.defaultConcurrency
}

// Partitions returns the partitions a stream is created with
func (s *Settings) Partitions(stream string) int {
	if p, ok := s.partitions[stream]; ok {
		return p
	}
	return s.defaultPartitions
}

// Policy returns the policy of a computation
func (s *Settings) Policy(computation string) Policy {
	if p, ok := s.policies[computation]; ok {
		return p
	}
	return s.defaultPolicy
}
